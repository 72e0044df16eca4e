package quota

import (
	"context"

	"github.com/R3E-Network/transferdesk/internal/store"
)

// GuardedStore refuses every call once the breaker has tripped and feeds every
// failure back into the breaker.
type GuardedStore struct {
	next    store.Store
	breaker *Breaker
}

// Guard wraps next with breaker.
func Guard(next store.Store, breaker *Breaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

func (g *GuardedStore) observe(err error) error {
	if err != nil {
		g.breaker.Observe(err)
	}
	return err
}

// Subscribe implements store.Store. Subscription errors are observed before the caller sees them.
func (g *GuardedStore) Subscribe(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	sub, err := g.next.Subscribe(ctx, q, onSnapshot, func(err error) {
		g.breaker.Observe(err)
		if onError != nil {
			onError(err)
		}
	})
	return sub, g.observe(err)
}

// GetOnce implements store.Store.
func (g *GuardedStore) GetOnce(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	docs, err := g.next.GetOnce(ctx, q)
	return docs, g.observe(err)
}

// Insert implements store.Store.
func (g *GuardedStore) Insert(ctx context.Context, collection string, doc any) (string, error) {
	if err := g.breaker.Allow(); err != nil {
		return "", err
	}
	id, err := g.next.Insert(ctx, collection, doc)
	return id, g.observe(err)
}

// Update implements store.Store.
func (g *GuardedStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	return g.observe(g.next.Update(ctx, collection, id, patch))
}

// Delete implements store.Store.
func (g *GuardedStore) Delete(ctx context.Context, collection, id string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	return g.observe(g.next.Delete(ctx, collection, id))
}

// BatchDelete implements store.Store.
func (g *GuardedStore) BatchDelete(ctx context.Context, collection string, ids []string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	return g.observe(g.next.BatchDelete(ctx, collection, ids))
}
