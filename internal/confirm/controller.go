// Package confirm guards destructive batch operations behind a timed double trigger:
// the first trigger arms the controller, a second one inside the arm window commits.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/transferdesk/internal/metrics"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// DefaultWindow is how long an armed controller waits for the confirming trigger.
const DefaultWindow = 4 * time.Second

// State of a controller.
type State int

const (
	Idle State = iota
	Armed
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// Outcome of one Trigger call.
type Outcome int

const (
	// OutcomeArmed means the trigger armed the controller and nothing was committed.
	OutcomeArmed Outcome = iota
	// OutcomeCommitted means the commit ran. Trigger's error reports whether it succeeded.
	OutcomeCommitted
	// OutcomeRejected means the trigger was refused because a commit is in flight.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArmed:
		return "armed"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by Trigger while a commit is running.
var ErrBusy = errors.New("confirm: commit in progress")

// CommitFunc performs the destructive operation.
type CommitFunc func(ctx context.Context) error

// Options configure a Controller.
type Options struct {
	// Name labels logs and metrics, e.g. "clear_history".
	Name   string
	Window time.Duration
	Clock  clock.Clock
	Logger *logger.Logger
}

// Controller is one Idle → Armed → Committing → Idle state machine. Instances share nothing.
type Controller struct {
	name   string
	window time.Duration
	commit CommitFunc
	clock  clock.Clock
	log    *logger.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	timer     clock.Timer
	listeners []func(State)
}

// New creates an idle controller that runs commit on confirmation.
func New(commit CommitFunc, opts Options) *Controller {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Name == "" {
		opts.Name = "confirm"
	}
	return &Controller{
		name:   opts.Name,
		window: opts.Window,
		commit: commit,
		clock:  clock.OrReal(opts.Clock),
		log:    logger.OrDefault(opts.Logger, "confirm"),
	}
}

// Name returns the controller's label.
func (c *Controller) Name() string { return c.name }

// OnChange registers fn to receive every state change.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether the triggering control should accept input.
func (c *Controller) Enabled() bool {
	return c.State() != Committing
}

// Trigger advances the state machine. From Idle it arms and returns OutcomeArmed.
// From Armed it runs the commit on the calling goroutine, returns to Idle and
// reports the commit's error with OutcomeCommitted.
func (c *Controller) Trigger(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	switch c.state {
	case Committing:
		c.mu.Unlock()
		return OutcomeRejected, ErrBusy

	case Idle:
		c.gen++
		gen := c.gen
		c.state = Armed
		c.timer = c.clock.AfterFunc(c.window, func() { c.expire(gen) })
		listeners := c.snapshotListeners()
		c.mu.Unlock()
		c.log.WithField("action", c.name).Debug("armed")
		notify(listeners, Armed)
		return OutcomeArmed, nil
	}

	// Armed: confirm.
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Committing
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	notify(listeners, Committing)

	err := c.commit(ctx)
	metrics.RecordConfirmCommit(c.name, err)
	if err != nil {
		c.log.WithError(err).WithField("action", c.name).Warn("commit failed")
	} else {
		c.log.WithField("action", c.name).Info("committed")
	}

	c.mu.Lock()
	c.state = Idle
	listeners = c.snapshotListeners()
	c.mu.Unlock()
	notify(listeners, Idle)

	return OutcomeCommitted, err
}

// Disarm returns an armed controller to Idle. It has no effect in other states.
func (c *Controller) Disarm() {
	c.mu.Lock()
	if c.state != Armed {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Idle
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	notify(listeners, Idle)
}

// expire disarms the controller unless it was re-armed or committed since gen.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Armed {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.timer = nil
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	c.log.WithField("action", c.name).Debug("arm window elapsed")
	notify(listeners, Idle)
}

func (c *Controller) snapshotListeners() []func(State) {
	return append([]func(State){}, c.listeners...)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
