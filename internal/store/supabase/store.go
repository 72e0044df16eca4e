// Package supabase implements store.Store on Supabase: PostgREST for reads and writes,
// Realtime postgres_changes channels to learn when a live query must be re-read.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/supabase/client"
)

// Options configure a Store.
type Options struct {
	// ReadRate throttles GetOnce and subscription re-reads. Zero disables throttling.
	ReadRate  rate.Limit
	ReadBurst int
	// Heartbeat overrides the realtime heartbeat interval.
	Heartbeat time.Duration
	Logger    *logger.Logger
}

// Store talks to one Supabase project.
type Store struct {
	rest    *client.Client
	rt      *client.RealtimeClient
	limiter *rate.Limiter
	log     *logger.Logger

	connectMu sync.Mutex
}

// New builds a store from a REST client. The realtime socket is opened on first Subscribe.
func New(rest *client.Client, opts Options) *Store {
	rt := client.NewRealtimeClient(rest.URL(), rest.APIKey())
	if opts.Heartbeat > 0 {
		rt.SetHeartbeat(opts.Heartbeat)
	}
	s := &Store{
		rest: rest,
		rt:   rt,
		log:  logger.OrDefault(opts.Logger, "supabase"),
	}
	if opts.ReadRate > 0 {
		burst := opts.ReadBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.ReadRate, burst)
	}
	return s
}

// Close drops the realtime socket. Open subscriptions receive no further callbacks.
func (s *Store) Close() error {
	return s.rt.Disconnect()
}

// =============================================================================
// One-shot operations
// =============================================================================

// GetOnce implements store.Store.
func (s *Store) GetOnce(ctx context.Context, q store.Query) ([]store.Document, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	qb := s.rest.From(q.Collection).Select("*")
	applyFilters(qb, q.Filters)
	if q.Limit > 0 {
		qb.Limit(q.Limit)
	}
	resp, err := qb.Execute(ctx)
	if err := check("select", q.Collection, resp, err); err != nil {
		return nil, err
	}
	return parseRows(resp.Body)
}

// Insert implements store.Store. An empty id is left for the database to assign.
func (s *Store) Insert(ctx context.Context, coll string, doc any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal %s document: %w", coll, err)
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("insert %s: document is not an object: %w", coll, err)
	}
	if id, ok := row["id"].(string); ok && id == "" {
		delete(row, "id")
	}

	resp, err := s.rest.From(coll).ExecuteInsert(ctx, row)
	if err := check("insert", coll, resp, err); err != nil {
		return "", err
	}
	id := gjson.GetBytes(resp.Body, "0.id").String()
	if id == "" {
		return "", &store.Error{Op: "insert", Collection: coll, Message: "no id returned"}
	}
	return id, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, coll, id string, patch map[string]any) error {
	resp, err := s.rest.From(coll).Eq("id", id).ExecuteUpdate(ctx, patch)
	if err := check("update", coll, resp, err); err != nil {
		return err
	}
	if !gjson.GetBytes(resp.Body, "0").Exists() {
		return fmt.Errorf("update %s/%s: %w", coll, id, store.ErrNotFound)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, coll, id string) error {
	resp, err := s.rest.From(coll).Eq("id", id).ExecuteDelete(ctx)
	if err := check("delete", coll, resp, err); err != nil {
		return err
	}
	if !gjson.GetBytes(resp.Body, "0").Exists() {
		return fmt.Errorf("delete %s/%s: %w", coll, id, store.ErrNotFound)
	}
	return nil
}

// BatchDelete implements store.Store with a single membership-filtered delete.
func (s *Store) BatchDelete(ctx context.Context, coll string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	resp, err := s.rest.From(coll).In("id", vals).ExecuteDelete(ctx)
	return check("delete", coll, resp, err)
}

func applyFilters(qb *client.QueryBuilder, filters []store.Filter) {
	for _, f := range filters {
		switch f.Op {
		case store.OpIn:
			qb.In(f.Field, f.Values)
		default:
			if len(f.Values) > 0 {
				qb.Eq(f.Field, f.Values[0])
			}
		}
	}
}

// check turns a transport error or an error response into a store error.
func check(op, coll string, resp *client.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &store.Error{Op: op, Collection: coll, Err: err}
	}
	var apiErr *client.APIError
	if errors.As(resp.Error(), &apiErr) {
		msg := apiErr.Message
		if apiErr.Hint != "" {
			msg += " (" + apiErr.Hint + ")"
		}
		return store.NewError(op, coll, apiErr.StatusCode, msg)
	}
	return nil
}

func parseRows(body []byte) ([]store.Document, error) {
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, fmt.Errorf("unexpected response body: %.80s", body)
	}
	rows := res.Array()
	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, store.Document{
			ID:  row.Get("id").String(),
			Raw: json.RawMessage(row.Raw),
		})
	}
	return docs, nil
}

// =============================================================================
// Live queries
// =============================================================================

// Subscribe implements store.Store. The query is read once immediately and again after
// every change event on its table, so the server keeps enforcing the limit. Bursts of
// events collapse into one re-read.
func (s *Store) Subscribe(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	if err := s.connect(ctx); err != nil {
		return nil, &store.Error{Op: "subscribe", Collection: q.Collection, Err: err}
	}

	sub := &subscription{
		store:      s,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	cfg := client.PostgresChangesConfig{Table: q.Collection}
	if len(q.Filters) > 0 {
		cfg.Filter = q.Filters[0].String()
	}
	ch, err := s.rt.SubscribeToPostgresChanges(ctx, cfg,
		func(*client.RealtimeEvent) { sub.poke() },
		func(err error) { sub.fail(&store.Error{Op: "subscribe", Collection: q.Collection, Err: err}, false) },
	)
	if err != nil {
		return nil, &store.Error{Op: "subscribe", Collection: q.Collection, Err: err}
	}
	sub.channel = ch

	sub.poke()
	go sub.run()
	return sub, nil
}

func (s *Store) connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.rt.Connected() {
		return nil
	}
	return s.rt.Connect(ctx)
}

type subscription struct {
	store      *Store
	query      store.Query
	channel    *client.Channel
	onSnapshot store.SnapshotFunc
	onError    store.ErrorFunc

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (sub *subscription) poke() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.done
		cancel()
	}()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		docs, err := sub.store.GetOnce(ctx, sub.query)
		if sub.closed() {
			return
		}
		if err != nil {
			sub.fail(err, true)
			return
		}
		sub.onSnapshot(docs)
	}
}

func (sub *subscription) closed() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

// fail ends the subscription and reports err once. leave is false when the channel
// itself already failed.
func (sub *subscription) fail(err error, leave bool) {
	fired := false
	sub.once.Do(func() {
		close(sub.done)
		fired = true
	})
	if !fired {
		return
	}
	if leave {
		_ = sub.channel.Unsubscribe()
	}
	sub.store.log.WithError(err).WithField("query", sub.query.String()).Warn("live query failed")
	if sub.onError != nil {
		sub.onError(err)
	}
}

// Close implements store.Subscription.
func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)
		if sub.channel != nil {
			err = sub.channel.Unsubscribe()
		}
	})
	return err
}
