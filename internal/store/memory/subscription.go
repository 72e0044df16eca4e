package memory

import (
	"sync"

	"github.com/R3E-Network/transferdesk/internal/store"
)

// subscription delivers snapshots on its own goroutine so callbacks may call back
// into the store and so deliveries keep arrival order.
type subscription struct {
	owner      *Store
	query      store.Query
	onSnapshot store.SnapshotFunc
	onError    store.ErrorFunc

	mu      sync.Mutex
	pending [][]store.Document
	err     error
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(owner *Store, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) *subscription {
	sub := &subscription{
		owner:      owner,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (sub *subscription) enqueue(docs []store.Document) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, docs)
	sub.mu.Unlock()
	sub.signal()
}

func (sub *subscription) fail(err error) {
	sub.mu.Lock()
	if sub.err == nil {
		sub.err = err
	}
	sub.mu.Unlock()
	sub.signal()
}

func (sub *subscription) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		sub.mu.Lock()
		batch := sub.pending
		sub.pending = nil
		err := sub.err
		sub.mu.Unlock()

		for _, docs := range batch {
			select {
			case <-sub.done:
				return
			default:
			}
			if sub.onSnapshot != nil {
				sub.onSnapshot(docs)
			}
		}

		if err != nil {
			sub.stop()
			if sub.onError != nil {
				sub.onError(err)
			}
			return
		}
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

// Close implements store.Subscription.
func (sub *subscription) Close() error {
	sub.owner.unsubscribe(sub)
	sub.stop()
	return nil
}
