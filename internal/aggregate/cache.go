// Package aggregate computes the administrator's statistics from bounded one-shot reads
// and caches them for a fixed interval.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/livesync"
	"github.com/R3E-Network/transferdesk/internal/metrics"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// Defaults for the cache.
const (
	DefaultTTL          = 120 * time.Second
	DefaultHistoryLimit = 100
	DefaultRosterLimit  = 100
)

// ErrNoData is returned when a refresh fails before any refresh ever succeeded.
var ErrNoData = errors.New("aggregate: no data yet")

// Stats are the derived sums and counts.
type Stats struct {
	DepValSum   decimal.Decimal `json:"dep_val_sum"`
	DepValCount int             `json:"dep_val_count"`
	DepRejSum   decimal.Decimal `json:"dep_rej_sum"`
	DepRejCount int             `json:"dep_rej_count"`
	WdValSum    decimal.Decimal `json:"wd_val_sum"`
	WdValCount  int             `json:"wd_val_count"`
	TotalUsers  int             `json:"total_users"`
	OnlineUsers int             `json:"online_users"`
}

// Snapshot is one cached aggregate.
type Snapshot struct {
	History       []domain.TransactionRequest `json:"history"`
	Users         []domain.UserAccount        `json:"users"`
	Stats         Stats                       `json:"stats"`
	LastRefreshed time.Time                   `json:"last_refreshed"`
}

// Options configure a Cache.
type Options struct {
	TTL          time.Duration
	HistoryLimit int
	RosterLimit  int
	Clock        clock.Clock
	Logger       *logger.Logger
}

// Cache is a lazily refreshed TTL cache of the aggregate.
type Cache struct {
	st           store.Store
	ttl          time.Duration
	historyLimit int
	rosterLimit  int
	clock        clock.Clock
	log          *logger.Logger
	group        singleflight.Group

	mu      sync.RWMutex
	current *Snapshot
}

// New creates an empty cache.
func New(st store.Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.RosterLimit <= 0 {
		opts.RosterLimit = DefaultRosterLimit
	}
	return &Cache{
		st:           st,
		ttl:          opts.TTL,
		historyLimit: opts.HistoryLimit,
		rosterLimit:  opts.RosterLimit,
		clock:        clock.OrReal(opts.Clock),
		log:          logger.OrDefault(opts.Logger, "aggregate"),
	}
}

// Current returns the cached snapshot without touching the store.
func (c *Cache) Current() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	return *c.current, true
}

// Refresh returns the aggregate. Unless force is set, a cached aggregate younger than
// the TTL is returned without any store call. A failed fetch keeps the previous
// aggregate, which is returned together with the error.
func (c *Cache) Refresh(ctx context.Context, force bool) (Snapshot, error) {
	if !force {
		if snap, ok := c.fresh(); ok {
			metrics.RecordAggregateRefresh("cached")
			return snap, nil
		}
	}

	key := "lazy"
	if force {
		key = "force"
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		metrics.RecordAggregateRefresh("failed")
		c.log.WithError(err).Warn("aggregate refresh failed, keeping previous values")
		if snap, ok := c.Current(); ok {
			return snap, err
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	metrics.RecordAggregateRefresh("fetched")
	return v.(Snapshot), nil
}

// RefreshAfter waits delay so the store can reflect a just-written change, then
// forces a refresh. It returns early with ctx's error if ctx ends first.
func (c *Cache) RefreshAfter(ctx context.Context, delay time.Duration) (Snapshot, error) {
	done := make(chan struct{})
	t := c.clock.AfterFunc(delay, func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		t.Stop()
		return Snapshot{}, ctx.Err()
	}
	return c.Refresh(ctx, true)
}

// Forget drops ids from the cached history and recomputes the stats, so deleted
// requests disappear before the next refresh.
func (c *Cache) Forget(ids ...string) {
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	kept := make([]domain.TransactionRequest, 0, len(c.current.History))
	for _, r := range c.current.History {
		if _, ok := gone[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	next := *c.current
	next.History = kept
	next.Stats = Compute(kept, next.Users, next.LastRefreshed)
	c.current = &next
}

func (c *Cache) fresh() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	if c.clock.Now().Sub(c.current.LastRefreshed) >= c.ttl {
		return Snapshot{}, false
	}
	return *c.current, true
}

func (c *Cache) fetch(ctx context.Context) (Snapshot, error) {
	historyDocs, err := c.st.GetOnce(ctx, store.Query{
		Collection: domain.CollectionRequests,
		Filters:    []store.Filter{store.In(domain.FieldStatus, string(domain.StatusApproved), string(domain.StatusRejected))},
		Limit:      c.historyLimit,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch history: %w", err)
	}
	userDocs, err := c.st.GetOnce(ctx, store.Query{
		Collection: domain.CollectionUsers,
		Limit:      c.rosterLimit,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch users: %w", err)
	}

	livesync.SortNewestFirst(historyDocs)
	history := make([]domain.TransactionRequest, 0, len(historyDocs))
	for _, doc := range historyDocs {
		var r domain.TransactionRequest
		if err := doc.Decode(&r); err != nil {
			c.log.WithError(err).WithField("request_id", doc.ID).Warn("skipping undecodable request")
			continue
		}
		history = append(history, r)
	}

	users := make([]domain.UserAccount, 0, len(userDocs))
	for _, doc := range userDocs {
		var u domain.UserAccount
		if err := doc.Decode(&u); err != nil {
			c.log.WithError(err).WithField("user_id", doc.ID).Warn("skipping undecodable user")
			continue
		}
		u.PasswordHash = ""
		users = append(users, u)
	}

	now := c.clock.Now()
	snap := Snapshot{
		History:       history,
		Users:         users,
		Stats:         Compute(history, users, now),
		LastRefreshed: now,
	}

	c.mu.Lock()
	c.current = &snap
	c.mu.Unlock()

	c.log.WithField("history", len(history)).WithField("users", len(users)).Debug("aggregate refreshed")
	return snap, nil
}

// Compute derives the statistics. Pending requests are ignored.
func Compute(history []domain.TransactionRequest, users []domain.UserAccount, now time.Time) Stats {
	s := Stats{
		DepValSum: decimal.Zero,
		DepRejSum: decimal.Zero,
		WdValSum:  decimal.Zero,
	}
	for _, r := range history {
		switch {
		case r.Type == domain.RequestDeposit && r.Status == domain.StatusApproved:
			s.DepValSum = s.DepValSum.Add(r.Amount)
			s.DepValCount++
		case r.Type == domain.RequestDeposit && r.Status == domain.StatusRejected:
			s.DepRejSum = s.DepRejSum.Add(r.Amount)
			s.DepRejCount++
		case r.Type == domain.RequestWithdraw && r.Status == domain.StatusApproved:
			s.WdValSum = s.WdValSum.Add(r.Amount)
			s.WdValCount++
		}
	}
	s.TotalUsers = len(users)
	for _, u := range users {
		if u.Online(now) {
			s.OnlineUsers++
		}
	}
	return s
}
