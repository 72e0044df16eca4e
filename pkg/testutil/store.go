// Package testutil provides test doubles shared across transferdesk packages.
package testutil

import (
	"context"
	"sync"

	"github.com/R3E-Network/transferdesk/internal/store"
)

// Store operation names recorded by RecordingStore.
const (
	OpSubscribe   = "subscribe"
	OpGetOnce     = "get_once"
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpBatchDelete = "batch_delete"
)

// Call is one recorded store call.
type Call struct {
	Op         string
	Collection string
	IDs        []string
}

// RecordingStore wraps a store.Store and records every call that reaches it.
type RecordingStore struct {
	next store.Store

	mu    sync.Mutex
	calls []Call
}

// NewRecordingStore wraps next.
func NewRecordingStore(next store.Store) *RecordingStore {
	return &RecordingStore{next: next}
}

func (r *RecordingStore) record(op, coll string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Collection: coll, IDs: ids})
}

// Calls returns a copy of the recorded calls.
func (r *RecordingStore) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many calls of op were recorded. An empty op counts every call.
func (r *RecordingStore) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (r *RecordingStore) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *RecordingStore) Subscribe(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	r.record(OpSubscribe, q.Collection)
	return r.next.Subscribe(ctx, q, onSnapshot, onError)
}

func (r *RecordingStore) GetOnce(ctx context.Context, q store.Query) ([]store.Document, error) {
	r.record(OpGetOnce, q.Collection)
	return r.next.GetOnce(ctx, q)
}

func (r *RecordingStore) Insert(ctx context.Context, collection string, doc any) (string, error) {
	r.record(OpInsert, collection)
	return r.next.Insert(ctx, collection, doc)
}

func (r *RecordingStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	r.record(OpUpdate, collection, id)
	return r.next.Update(ctx, collection, id, patch)
}

func (r *RecordingStore) Delete(ctx context.Context, collection, id string) error {
	r.record(OpDelete, collection, id)
	return r.next.Delete(ctx, collection, id)
}

func (r *RecordingStore) BatchDelete(ctx context.Context, collection string, ids []string) error {
	r.record(OpBatchDelete, collection, ids...)
	return r.next.BatchDelete(ctx, collection, ids)
}
