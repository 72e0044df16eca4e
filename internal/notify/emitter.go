// Package notify turns detector output into user-facing notices: short-lived toasts
// and the persisted notification center.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/metrics"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// Default toast timings.
const (
	DefaultTTL  = 5 * time.Second
	DefaultExit = 500 * time.Millisecond
)

// Toast is an in-memory notice. It stays visible for the TTL, then spends the exit
// duration Exiting before it is removed.
type Toast struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Severity  domain.Severity `json:"severity"`
	CreatedAt time.Time       `json:"created_at"`
	Read      bool            `json:"read"`
	Exiting   bool            `json:"exiting"`
}

// EmitterOptions configure an Emitter.
type EmitterOptions struct {
	UserID string
	TTL    time.Duration
	Exit   time.Duration
	Clock  clock.Clock
	Logger *logger.Logger
}

// Emitter owns the visible toast list of one session.
type Emitter struct {
	userID string
	ttl    time.Duration
	exit   time.Duration
	clock  clock.Clock
	log    *logger.Logger

	mu        sync.Mutex
	toasts    []*entry
	listeners []func([]Toast)
}

type entry struct {
	toast Toast
	timer clock.Timer
}

// NewEmitter creates an emitter.
func NewEmitter(opts EmitterOptions) *Emitter {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Exit <= 0 {
		opts.Exit = DefaultExit
	}
	return &Emitter{
		userID: opts.UserID,
		ttl:    opts.TTL,
		exit:   opts.Exit,
		clock:  clock.OrReal(opts.Clock),
		log:    logger.OrDefault(opts.Logger, "notify"),
	}
}

// OnChange registers a listener that receives the visible toasts after every change.
func (e *Emitter) OnChange(fn func([]Toast)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Emit shows a new toast and schedules its expiry.
func (e *Emitter) Emit(title, body string, severity domain.Severity) Toast {
	t := Toast{
		ID:        uuid.NewString(),
		UserID:    e.userID,
		Title:     title,
		Body:      body,
		Severity:  severity,
		CreatedAt: e.clock.Now(),
	}

	e.mu.Lock()
	ent := &entry{toast: t}
	e.toasts = append(e.toasts, ent)
	ent.timer = e.clock.AfterFunc(e.ttl, func() { e.Dismiss(t.ID) })
	e.mu.Unlock()

	metrics.RecordNotice(string(severity))
	e.log.WithField("toast_id", t.ID).WithField("severity", severity).Debug(title)
	e.changed()
	return t
}

// Dismiss starts the exit phase of a toast. It reports false when the toast is
// already exiting or gone, so a second dismissal never schedules a second removal.
func (e *Emitter) Dismiss(id string) bool {
	e.mu.Lock()
	ent := e.find(id)
	if ent == nil || ent.toast.Exiting {
		e.mu.Unlock()
		return false
	}
	ent.toast.Exiting = true
	if ent.timer != nil {
		ent.timer.Stop()
	}
	ent.timer = e.clock.AfterFunc(e.exit, func() { e.remove(id) })
	e.mu.Unlock()

	e.changed()
	return true
}

func (e *Emitter) remove(id string) {
	e.mu.Lock()
	for i, ent := range e.toasts {
		if ent.toast.ID == id {
			e.toasts = append(e.toasts[:i], e.toasts[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Emitter) find(id string) *entry {
	for _, ent := range e.toasts {
		if ent.toast.ID == id {
			return ent
		}
	}
	return nil
}

// Visible returns the toasts currently on screen, oldest first. Exiting toasts are included.
func (e *Emitter) Visible() []Toast {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible()
}

func (e *Emitter) visible() []Toast {
	out := make([]Toast, len(e.toasts))
	for i, ent := range e.toasts {
		out[i] = ent.toast
	}
	return out
}

func (e *Emitter) changed() {
	e.mu.Lock()
	list := e.visible()
	listeners := append([]func([]Toast){}, e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}
