// Package quota implements the session-wide quota circuit breaker. Unlike a classic
// breaker it never half-opens: once the store reports exhausted quota the session
// stops issuing store calls until restart.
package quota

import (
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// State of a breaker.
type State int

const (
	Normal State = iota
	Tripped
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Tripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// ErrTripped is returned for every store call attempted after the breaker tripped.
var ErrTripped = errors.New("quota breaker tripped: store calls disabled until restart")

// Breaker is a write-once Normal→Tripped flag shared by every component of a session.
type Breaker struct {
	mu        sync.Mutex
	state     State
	cause     error
	trippedAt time.Time
	hooks     []func(cause error)
	done      chan struct{}
	log       *logger.Logger
}

// NewBreaker creates a breaker in the Normal state.
func NewBreaker(log *logger.Logger) *Breaker {
	return &Breaker{
		done: make(chan struct{}),
		log:  logger.OrDefault(log, "quota"),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tripped reports whether the breaker has tripped.
func (b *Breaker) Tripped() bool {
	return b.State() == Tripped
}

// Cause returns the error that tripped the breaker, or nil.
func (b *Breaker) Cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// TrippedAt returns when the breaker tripped, or the zero time.
func (b *Breaker) TrippedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trippedAt
}

// Done is closed when the breaker trips.
func (b *Breaker) Done() <-chan struct{} {
	return b.done
}

// Allow returns ErrTripped once the breaker has tripped.
func (b *Breaker) Allow() error {
	if b.Tripped() {
		return ErrTripped
	}
	return nil
}

// OnTrip registers fn to run once when the breaker trips. If it already tripped,
// fn runs immediately.
func (b *Breaker) OnTrip(fn func(cause error)) {
	b.mu.Lock()
	if b.state == Tripped {
		cause := b.cause
		b.mu.Unlock()
		fn(cause)
		return
	}
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Observe inspects the outcome of a store call and trips on quota exhaustion.
// It reports whether err was a quota signal.
func (b *Breaker) Observe(err error) bool {
	if !store.IsQuotaExhausted(err) {
		return false
	}
	b.Trip(err)
	return true
}

// Trip moves the breaker to Tripped. Later calls are no-ops.
func (b *Breaker) Trip(cause error) {
	b.mu.Lock()
	if b.state == Tripped {
		b.mu.Unlock()
		return
	}
	b.state = Tripped
	b.cause = cause
	b.trippedAt = time.Now()
	hooks := b.hooks
	b.hooks = nil
	close(b.done)
	b.mu.Unlock()

	b.log.WithError(cause).Error("store quota exhausted, disabling all store access")

	for _, fn := range hooks {
		fn(cause)
	}
}
