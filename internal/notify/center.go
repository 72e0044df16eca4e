package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/livesync"
	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// DefaultCenterLimit bounds the notification-center live query.
const DefaultCenterLimit = 20

// CenterOptions configure a Center.
type CenterOptions struct {
	UserID string
	Limit  int
	Logger *logger.Logger
}

// Center is the persisted notification list of one user, fed by its own small live query
// over entries addressed to the user or to every user.
type Center struct {
	st       store.Store
	detector *livesync.Detector
	userID   string
	log      *logger.Logger

	mu        sync.Mutex
	entries   []domain.AppNotification
	listeners []func([]domain.AppNotification, int)
}

// NewCenter creates a center. Call Start to subscribe.
func NewCenter(st store.Store, breaker *quota.Breaker, opts CenterOptions) *Center {
	if opts.Limit <= 0 {
		opts.Limit = DefaultCenterLimit
	}
	log := logger.OrDefault(opts.Logger, "notify")
	c := &Center{
		st:     st,
		userID: opts.UserID,
		log:    log,
	}
	c.detector = livesync.NewDetector(st, breaker, livesync.Options{
		Name: "notification-center",
		Query: store.Query{
			Collection: domain.CollectionNotifications,
			Filters:    []store.Filter{store.In(domain.FieldUserID, opts.UserID, domain.SystemRecipient)},
			Limit:      opts.Limit,
		},
		Logger: log,
	})
	c.detector.OnSnapshot(c.apply)
	return c
}

// Start opens the live query.
func (c *Center) Start(ctx context.Context) error {
	return c.detector.Start(ctx)
}

// Close closes the live query.
func (c *Center) Close() error {
	return c.detector.Close()
}

// OnChange registers a listener receiving the entries and the unread count.
func (c *Center) OnChange(fn func(entries []domain.AppNotification, unread int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Center) apply(docs []store.Document) {
	entries := make([]domain.AppNotification, 0, len(docs))
	for _, doc := range docs {
		var n domain.AppNotification
		if err := doc.Decode(&n); err != nil {
			c.log.WithError(err).WithField("notification_id", doc.ID).Warn("skipping undecodable notification")
			continue
		}
		entries = append(entries, n)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.changed()
}

func (c *Center) changed() {
	c.mu.Lock()
	entries := append([]domain.AppNotification(nil), c.entries...)
	unread := unreadOf(entries)
	listeners := append([]func([]domain.AppNotification, int){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(entries, unread)
	}
}

// Entries returns the current entries, newest first.
func (c *Center) Entries() []domain.AppNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AppNotification(nil), c.entries...)
}

// UnreadCount returns how many entries are not yet read.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unreadOf(c.entries)
}

func unreadOf(entries []domain.AppNotification) int {
	n := 0
	for _, e := range entries {
		if !e.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one entry read. The local copy flips immediately; the live query
// confirms it later.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	if err := c.st.Update(ctx, domain.CollectionNotifications, id, map[string]any{domain.FieldRead: true}); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	c.setRead(id)
	return nil
}

// MarkAllRead marks every unread entry read. It stops at the first failure.
func (c *Center) MarkAllRead(ctx context.Context) error {
	for _, e := range c.Entries() {
		if e.Read {
			continue
		}
		if err := c.MarkRead(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Center) setRead(id string) {
	c.mu.Lock()
	for i := range c.entries {
		if c.entries[i].ID == id {
			c.entries[i].Read = true
		}
	}
	c.mu.Unlock()
	c.changed()
}

// Publisher writes notification-center entries for any user.
type Publisher struct {
	st    store.Store
	clock clock.Clock
}

// NewPublisher creates a publisher.
func NewPublisher(st store.Store, clk clock.Clock) *Publisher {
	return &Publisher{st: st, clock: clock.OrReal(clk)}
}

// Publish persists an unread entry for userID (or domain.SystemRecipient).
func (p *Publisher) Publish(ctx context.Context, userID, title, body string, severity domain.Severity) (string, error) {
	n := domain.AppNotification{
		UserID:    userID,
		Title:     title,
		Body:      body,
		Severity:  severity,
		CreatedAt: p.clock.Now().UTC(),
	}
	id, err := p.st.Insert(ctx, domain.CollectionNotifications, n)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}
