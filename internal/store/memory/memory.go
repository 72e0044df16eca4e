// Package memory implements store.Store in process. Live queries are pushed on every
// write to a matching collection, each subscription on its own ordered delivery queue.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/transferdesk/internal/store"
)

// Operation names passed to a Fault.
const (
	OpSubscribe   = "subscribe"
	OpGetOnce     = "get_once"
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpBatchDelete = "batch_delete"
)

// Fault decides whether a call fails. A nil return lets the call through.
type Fault func(op, collection string) error

// Store is an in-memory live document store.
type Store struct {
	mu     sync.Mutex
	data   map[string]*collection
	subs   map[*subscription]struct{}
	fault  Fault
	closed bool
}

type collection struct {
	order []string
	docs  map[string]json.RawMessage
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data: make(map[string]*collection),
		subs: make(map[*subscription]struct{}),
	}
}

// SetFault installs a fault injector. Pass nil to clear it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// BreakSubscriptions fails every open subscription with err.
func (s *Store) BreakSubscriptions(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

// Subscriptions returns the number of open subscriptions.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close fails every subscription and rejects further calls.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.BreakSubscriptions(store.ErrClosed)
}

func (s *Store) check(op, coll string) error {
	if s.closed {
		return store.ErrClosed
	}
	if s.fault != nil {
		if err := s.fault(op, coll); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) coll(name string) *collection {
	c, ok := s.data[name]
	if !ok {
		c = &collection{docs: make(map[string]json.RawMessage)}
		s.data[name] = c
	}
	return c
}

// query returns matching documents in insertion order, capped at the limit.
func (s *Store) query(q store.Query) []store.Document {
	c, ok := s.data[q.Collection]
	if !ok {
		return []store.Document{}
	}
	out := make([]store.Document, 0)
	for _, id := range c.order {
		doc := store.Document{ID: id, Raw: c.docs[id]}
		if !q.Match(doc) {
			continue
		}
		out = append(out, doc)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// publish pushes fresh snapshots to every subscription on the collection. Caller holds mu.
func (s *Store) publish(coll string) {
	for sub := range s.subs {
		if sub.query.Collection == coll {
			sub.enqueue(s.query(sub.query))
		}
	}
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpSubscribe, q.Collection); err != nil {
		return nil, err
	}

	sub := newSubscription(s, q, onSnapshot, onError)
	s.subs[sub] = struct{}{}
	sub.enqueue(s.query(q))
	return sub, nil
}

// GetOnce implements store.Store.
func (s *Store) GetOnce(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpGetOnce, q.Collection); err != nil {
		return nil, err
	}
	return s.query(q), nil
}

// Insert implements store.Store. A missing id is generated.
func (s *Store) Insert(ctx context.Context, coll string, doc any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fields, err := toFields(doc)
	if err != nil {
		return "", err
	}
	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.NewString()
		fields["id"] = id
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpInsert, coll); err != nil {
		return "", err
	}

	c := s.coll(coll)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = raw
	s.publish(coll)
	return id, nil
}

// Update implements store.Store by merging patch into the stored document.
func (s *Store) Update(ctx context.Context, coll, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpUpdate, coll); err != nil {
		return err
	}

	c := s.coll(coll)
	raw, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", coll, id, store.ErrNotFound)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	for k, v := range patch {
		fields[k] = v
	}
	fields["id"] = id

	merged, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", coll, id, err)
	}
	c.docs[id] = merged
	s.publish(coll)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, coll, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpDelete, coll); err != nil {
		return err
	}
	if !s.remove(coll, id) {
		return fmt.Errorf("delete %s/%s: %w", coll, id, store.ErrNotFound)
	}
	s.publish(coll)
	return nil
}

// BatchDelete implements store.Store. Missing ids are ignored.
func (s *Store) BatchDelete(ctx context.Context, coll string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpBatchDelete, coll); err != nil {
		return err
	}
	removed := false
	for _, id := range ids {
		if s.remove(coll, id) {
			removed = true
		}
	}
	if removed {
		s.publish(coll)
	}
	return nil
}

func (s *Store) remove(coll, id string) bool {
	c, ok := s.data[coll]
	if !ok {
		return false
	}
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store) unsubscribe(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func toFields(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("document must be an object: %w", err)
	}
	return fields, nil
}
