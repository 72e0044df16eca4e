// Package livesync turns live queries into classified change streams. A Detector owns
// exactly one subscription at a time, keeps the last observation it received and the
// last status it saw per document id, and reports what changed on every push.
package livesync

import (
	"context"
	"errors"
	"sync"

	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// ErrClosed is returned by a closed detector.
var ErrClosed = errors.New("livesync: detector closed")

// Options configure a Detector.
type Options struct {
	// Name identifies the detector in logs.
	Name  string
	Query store.Query
	// StatusField enables transition tracking on that document field.
	StatusField string
	Logger      *logger.Logger
}

// Detector wraps one live query.
type Detector struct {
	st          store.Store
	breaker     *quota.Breaker
	name        string
	statusField string
	log         *logger.Logger

	mu         sync.Mutex
	query      store.Query
	gen        uint64
	sub        store.Subscription
	prev       map[string]store.Document
	snapshot   []store.Document
	statuses   map[string]string
	tombstones map[string]struct{}
	err        error
	started    bool
	closed     bool

	snapshotFns   []func([]store.Document)
	changeFns     []func([]Change)
	transitionFns []func([]Transition)

	// deliver serializes batch processing so listeners see pushes in arrival order.
	deliver sync.Mutex
}

// NewDetector creates a detector. It does not subscribe until Start.
func NewDetector(st store.Store, breaker *quota.Breaker, opts Options) *Detector {
	name := opts.Name
	if name == "" {
		name = opts.Query.Collection
	}
	d := &Detector{
		st:          st,
		breaker:     breaker,
		name:        name,
		statusField: opts.StatusField,
		log:         logger.OrDefault(opts.Logger, "livesync"),
		query:       opts.Query,
		statuses:    make(map[string]string),
		tombstones:  make(map[string]struct{}),
	}
	breaker.OnTrip(func(cause error) { d.teardown(quota.ErrTripped) })
	return d
}

// OnSnapshot registers a listener for the full, sorted result set.
func (d *Detector) OnSnapshot(fn func([]store.Document)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshotFns = append(d.snapshotFns, fn)
}

// OnChanges registers a listener for per-document change records.
func (d *Detector) OnChanges(fn func([]Change)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changeFns = append(d.changeFns, fn)
}

// OnTransitions registers a listener for status transitions.
func (d *Detector) OnTransitions(fn func([]Transition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitionFns = append(d.transitionFns, fn)
}

// Start opens the subscription. Calling Start on a running detector is a no-op.
// After the breaker tripped Start returns quota.ErrTripped.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if err := d.breaker.Allow(); err != nil {
		d.err = err
		d.mu.Unlock()
		return err
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	return d.open(ctx)
}

// Retarget replaces the query. The previous subscription is closed and everything
// observed under it, including the status map, is discarded.
func (d *Detector) Retarget(ctx context.Context, q store.Query) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.sub
	d.sub = nil
	d.gen++
	d.query = q
	d.prev = nil
	d.snapshot = nil
	d.statuses = make(map[string]string)
	d.err = nil
	d.started = true
	d.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			d.log.WithError(err).WithField("detector", d.name).Warn("close previous subscription")
		}
	}
	return d.open(ctx)
}

func (d *Detector) open(ctx context.Context) error {
	if err := d.breaker.Allow(); err != nil {
		d.fail(err)
		return err
	}

	d.mu.Lock()
	d.gen++
	gen := d.gen
	q := d.query
	d.mu.Unlock()

	sub, err := d.st.Subscribe(ctx, q,
		func(docs []store.Document) { d.handle(gen, docs) },
		func(err error) { d.handleError(gen, err) },
	)
	if err != nil {
		d.breaker.Observe(err)
		d.fail(err)
		d.log.WithError(err).WithField("detector", d.name).WithField("query", q.String()).Error("subscribe failed")
		return err
	}

	d.mu.Lock()
	if d.closed || d.gen != gen {
		d.mu.Unlock()
		sub.Close()
		return nil
	}
	d.sub = sub
	d.mu.Unlock()

	d.log.WithField("detector", d.name).WithField("query", q.String()).Debug("subscribed")
	return nil
}

func (d *Detector) handle(gen uint64, docs []store.Document) {
	d.deliver.Lock()
	defer d.deliver.Unlock()

	d.mu.Lock()
	if d.closed || d.gen != gen {
		d.mu.Unlock()
		return
	}

	visible := make([]store.Document, 0, len(docs))
	for _, doc := range dedupe(docs) {
		if _, gone := d.tombstones[doc.ID]; !gone {
			visible = append(visible, doc)
		}
	}
	SortNewestFirst(visible)

	changes := diff(d.prev, visible)
	transitions := d.track(visible)

	d.prev = make(map[string]store.Document, len(visible))
	for _, doc := range visible {
		d.prev[doc.ID] = doc
	}
	d.snapshot = visible

	snapshotFns := append([]func([]store.Document){}, d.snapshotFns...)
	changeFns := append([]func([]Change){}, d.changeFns...)
	transitionFns := append([]func([]Transition){}, d.transitionFns...)
	d.mu.Unlock()

	for _, fn := range snapshotFns {
		fn(copyDocs(visible))
	}
	if len(changes) > 0 {
		for _, fn := range changeFns {
			fn(changes)
		}
	}
	if len(transitions) > 0 {
		for _, fn := range transitionFns {
			fn(transitions)
		}
	}
}

// track updates the status map and returns transitions for ids it already knew.
// Ids that leave the result set stay in the map. Caller holds mu.
func (d *Detector) track(docs []store.Document) []Transition {
	if d.statusField == "" {
		return nil
	}
	var out []Transition
	for _, doc := range docs {
		status := doc.Get(d.statusField).String()
		if old, known := d.statuses[doc.ID]; known && old != status {
			out = append(out, Transition{ID: doc.ID, From: old, To: status, Doc: doc})
		}
		d.statuses[doc.ID] = status
	}
	return out
}

func (d *Detector) handleError(gen uint64, err error) {
	d.mu.Lock()
	if d.closed || d.gen != gen {
		d.mu.Unlock()
		return
	}
	sub := d.sub
	d.sub = nil
	d.err = err
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	entry := d.log.WithError(err).WithField("detector", d.name)
	if d.breaker.Observe(err) {
		entry.Warn("live query stopped by quota exhaustion")
		return
	}
	entry.Error("live query failed, not retrying")
}

func (d *Detector) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Detector) teardown(cause error) {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.gen++
	d.err = cause
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
		d.log.WithField("detector", d.name).Info("subscription torn down")
	}
}

// Suppress removes ids from the current snapshot and ignores them in every later push.
// Snapshot listeners receive the reduced set immediately.
func (d *Detector) Suppress(ids ...string) {
	if len(ids) == 0 {
		return
	}
	d.mu.Lock()
	for _, id := range ids {
		d.tombstones[id] = struct{}{}
		delete(d.prev, id)
	}
	kept := d.snapshot[:0:0]
	for _, doc := range d.snapshot {
		if _, gone := d.tombstones[doc.ID]; !gone {
			kept = append(kept, doc)
		}
	}
	d.snapshot = kept
	snapshotFns := append([]func([]store.Document){}, d.snapshotFns...)
	d.mu.Unlock()

	for _, fn := range snapshotFns {
		fn(copyDocs(kept))
	}
}

// Close stops the detector for good. It is safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.gen++
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Snapshot returns the last delivered result set, newest first.
func (d *Detector) Snapshot() []store.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyDocs(d.snapshot)
}

// ObservedStatuses returns a copy of the id → last status map.
func (d *Detector) ObservedStatuses() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.statuses))
	for k, v := range d.statuses {
		out[k] = v
	}
	return out
}

// Query returns the current query.
func (d *Detector) Query() store.Query {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query
}

// Active reports whether a subscription is open.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sub != nil
}

// Err returns the error that stopped the detector, if any.
func (d *Detector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func copyDocs(docs []store.Document) []store.Document {
	return append([]store.Document(nil), docs...)
}
