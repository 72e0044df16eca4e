package livesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/internal/store/memory"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/pkg/testutil"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// harness collects everything a detector delivers, one entry per push.
type harness struct {
	snaps       chan []store.Document
	changes     chan []Change
	transitions chan []Transition
}

func attach(d *Detector) *harness {
	h := &harness{
		snaps:       make(chan []store.Document, 64),
		changes:     make(chan []Change, 64),
		transitions: make(chan []Transition, 64),
	}
	d.OnSnapshot(func(docs []store.Document) { h.snaps <- docs })
	d.OnChanges(func(c []Change) { h.changes <- c })
	d.OnTransitions(func(tr []Transition) { h.transitions <- tr })
	return h
}

func (h *harness) snapshot(t *testing.T) []store.Document {
	t.Helper()
	select {
	case docs := <-h.snaps:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
		return nil
	}
}

func (h *harness) noTransitions(t *testing.T) {
	t.Helper()
	select {
	case tr := <-h.transitions:
		t.Fatalf("unexpected transitions: %+v", tr)
	case <-time.After(30 * time.Millisecond):
	}
}

func (h *harness) drainChanges() []Change {
	var out []Change
	for {
		select {
		case c := <-h.changes:
			out = append(out, c...)
		default:
			return out
		}
	}
}

func insertRequest(t *testing.T, s store.Store, id, user, status string, age time.Duration) {
	t.Helper()
	_, err := s.Insert(context.Background(), "requests", map[string]any{
		"id":         id,
		"user_id":    user,
		"status":     status,
		"created_at": base.Add(-age),
	})
	require.NoError(t, err)
}

func setStatus(t *testing.T, s store.Store, id, status string) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), "requests", id, map[string]any{"status": status}))
}

func ids(docs []store.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func newRequestDetector(s store.Store, b *quota.Breaker, user string) *Detector {
	return NewDetector(s, b, Options{
		Name:        "requests",
		Query:       store.Query{Collection: "requests", Filters: []store.Filter{store.Eq("user_id", user)}, Limit: 30},
		StatusField: "status",
		Logger:      logger.NewDiscard(),
	})
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestSortNewestFirst(t *testing.T) {
	mk := func(id string, age time.Duration) store.Document {
		d, _ := store.NewDocument(map[string]any{"id": id, "created_at": base.Add(-age)})
		return d
	}
	docs := []store.Document{mk("old", time.Hour), mk("b", time.Minute), mk("new", 0), mk("a", time.Minute)}
	SortNewestFirst(docs)
	assert.Equal(t, []string{"new", "a", "b", "old"}, ids(docs))
}

func TestDiff(t *testing.T) {
	mk := func(id, status string) store.Document {
		d, _ := store.NewDocument(map[string]any{"id": id, "status": status})
		return d
	}
	prev := map[string]store.Document{"a": mk("a", "Pending"), "b": mk("b", "Pending"), "c": mk("c", "Pending")}
	next := dedupe([]store.Document{mk("a", "Pending"), mk("b", "Approved"), mk("d", "Pending"), mk("d", "Pending")})

	changes := diff(prev, next)
	require.Len(t, changes, 3)
	assert.Equal(t, Modified, changes[0].Kind)
	assert.Equal(t, "b", changes[0].Doc.ID)
	assert.Equal(t, "Pending", changes[0].Previous.Get("status").String())
	assert.Equal(t, Added, changes[1].Kind)
	assert.Equal(t, "d", changes[1].Doc.ID)
	assert.Equal(t, Removed, changes[2].Kind)
	assert.Equal(t, "c", changes[2].Doc.ID)
}

// =============================================================================
// Detector Tests
// =============================================================================

func TestDetector_FirstAppearanceOnlyPopulatesMap(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	insertRequest(t, mem, "r1", "u1", "Pending", time.Minute)
	insertRequest(t, mem, "r2", "u1", "Approved", 2*time.Minute)

	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	assert.Equal(t, []string{"r1", "r2"}, ids(h.snapshot(t)))
	h.noTransitions(t)
	assert.Equal(t, map[string]string{"r1": "Pending", "r2": "Approved"}, d.ObservedStatuses())

	changes := h.drainChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, Added, changes[0].Kind)
}

func TestDetector_TransitionEmittedOnce(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	insertRequest(t, mem, "r1", "u1", "Pending", time.Minute)

	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	setStatus(t, mem, "r1", "Approved")
	h.snapshot(t)

	select {
	case tr := <-h.transitions:
		require.Len(t, tr, 1)
		assert.Equal(t, Transition{ID: "r1", From: "Pending", To: "Approved", Doc: tr[0].Doc}, tr[0])
	case <-time.After(2 * time.Second):
		t.Fatal("no transition")
	}

	// The same status pushed again is not a transition.
	setStatus(t, mem, "r1", "Approved")
	h.snapshot(t)
	insertRequest(t, mem, "r9", "u2", "Pending", 0)
	h.snapshot(t)
	h.noTransitions(t)
	assert.Equal(t, "Approved", d.ObservedStatuses()["r1"])
}

func TestDetector_MapTracksLatestStatusAcrossBatches(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	insertRequest(t, mem, "r1", "u1", "Pending", 3*time.Minute)
	h.snapshot(t)
	insertRequest(t, mem, "r2", "u1", "Pending", 2*time.Minute)
	h.snapshot(t)
	setStatus(t, mem, "r1", "Rejected")
	h.snapshot(t)
	setStatus(t, mem, "r2", "Approved")
	h.snapshot(t)

	assert.Equal(t, map[string]string{"r1": "Rejected", "r2": "Approved"}, d.ObservedStatuses())
}

func TestDetector_RemovedIdsStayInMap(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	insertRequest(t, mem, "r1", "u1", "Pending", time.Minute)

	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	require.NoError(t, mem.Delete(context.Background(), "requests", "r1"))
	assert.Empty(t, h.snapshot(t))
	assert.Equal(t, "Pending", d.ObservedStatuses()["r1"])

	// Reappearing with another status is a transition.
	insertRequest(t, mem, "r1", "u1", "Approved", time.Minute)
	h.snapshot(t)
	select {
	case tr := <-h.transitions:
		require.Len(t, tr, 1)
		assert.Equal(t, "Approved", tr[0].To)
	case <-time.After(2 * time.Second):
		t.Fatal("no transition")
	}
}

func TestDetector_RetargetDiscardsObservation(t *testing.T) {
	mem := memory.New()
	rec := testutil.NewRecordingStore(mem)
	b := quota.NewBreaker(logger.NewDiscard())
	insertRequest(t, mem, "r1", "u1", "Pending", time.Minute)
	insertRequest(t, mem, "r2", "u2", "Approved", time.Minute)

	d := newRequestDetector(rec, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	assert.Equal(t, []string{"r1"}, ids(h.snapshot(t)))

	require.NoError(t, d.Retarget(context.Background(), store.Query{
		Collection: "requests",
		Filters:    []store.Filter{store.Eq("user_id", "u2")},
		Limit:      30,
	}))
	assert.Equal(t, []string{"r2"}, ids(h.snapshot(t)))
	assert.Equal(t, map[string]string{"r2": "Approved"}, d.ObservedStatuses())
	assert.Equal(t, 2, rec.Count(testutil.OpSubscribe))
	assert.Equal(t, 1, mem.Subscriptions())

	// Changes to the old target no longer reach the detector.
	setStatus(t, mem, "r1", "Approved")
	h.noTransitions(t)
}

func TestDetector_SuppressHidesDeletedIds(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	insertRequest(t, mem, "r1", "u1", "Approved", time.Minute)
	insertRequest(t, mem, "r2", "u1", "Pending", 2*time.Minute)

	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	d.Suppress("r1")
	assert.Equal(t, []string{"r2"}, ids(h.snapshot(t)))

	// A push that still carries r1 leaves it hidden.
	setStatus(t, mem, "r2", "Approved")
	assert.Equal(t, []string{"r2"}, ids(h.snapshot(t)))
	assert.Equal(t, []string{"r2"}, ids(d.Snapshot()))
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestDetector_QuotaErrorTripsBreakerWithoutRetry(t *testing.T) {
	mem := memory.New()
	rec := testutil.NewRecordingStore(mem)
	b := quota.NewBreaker(logger.NewDiscard())

	d := newRequestDetector(rec, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	mem.BreakSubscriptions(store.ErrQuotaExhausted)
	require.Eventually(t, b.Tripped, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !d.Active() }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.Count(testutil.OpSubscribe))
	assert.ErrorIs(t, d.Retarget(context.Background(), d.Query()), quota.ErrTripped)
	assert.Equal(t, 1, rec.Count(testutil.OpSubscribe))
}

func TestDetector_TransientErrorFailsSilently(t *testing.T) {
	mem := memory.New()
	rec := testutil.NewRecordingStore(mem)
	b := quota.NewBreaker(logger.NewDiscard())

	d := newRequestDetector(rec, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)

	boom := errors.New("network unreachable")
	mem.BreakSubscriptions(boom)
	require.Eventually(t, func() bool { return d.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, d.Err(), boom)
	assert.False(t, b.Tripped())
	assert.False(t, d.Active())
	assert.Equal(t, 1, rec.Count(testutil.OpSubscribe))
}

func TestDetector_TripElsewhereTearsDown(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	d := newRequestDetector(mem, b, "u1")
	h := attach(d)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	h.snapshot(t)
	require.Equal(t, 1, mem.Subscriptions())

	b.Trip(store.ErrQuotaExhausted)

	assert.Equal(t, 0, mem.Subscriptions())
	assert.False(t, d.Active())
	assert.ErrorIs(t, d.Err(), quota.ErrTripped)

	fresh := newRequestDetector(mem, b, "u1")
	assert.ErrorIs(t, fresh.Start(context.Background()), quota.ErrTripped)
	assert.Equal(t, 0, mem.Subscriptions())
}

func TestDetector_SubscribeFailureObserved(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	mem.SetFault(func(op, coll string) error {
		if op == memory.OpSubscribe {
			return store.NewError(op, coll, 429, "Too Many Requests")
		}
		return nil
	})

	d := newRequestDetector(mem, b, "u1")
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, b.Tripped())
	assert.False(t, d.Active())
}

func TestDetector_CloseIsIdempotent(t *testing.T) {
	mem := memory.New()
	b := quota.NewBreaker(logger.NewDiscard())
	d := newRequestDetector(mem, b, "u1")
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 0, mem.Subscriptions())
	assert.ErrorIs(t, d.Start(context.Background()), ErrClosed)
}
