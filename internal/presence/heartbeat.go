// Package presence periodically stamps the signed-in account's last_active field.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// DefaultSpec runs the heartbeat once a minute.
const DefaultSpec = "@every 1m"

// Toucher stamps an account as active.
type Toucher interface {
	TouchLastActive(ctx context.Context, userID string) error
}

// Heartbeat is a best-effort presence updater. Failures are logged and never retried
// ahead of the next tick; the heartbeat stops for good when the breaker trips.
type Heartbeat struct {
	userID  string
	toucher Toucher
	breaker *quota.Breaker
	spec    string
	timeout time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	beats   int
	stopped bool
}

// New creates a heartbeat for userID. An empty spec uses DefaultSpec.
func New(userID string, toucher Toucher, breaker *quota.Breaker, spec string, log *logger.Logger) *Heartbeat {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Heartbeat{
		userID:  userID,
		toucher: toucher,
		breaker: breaker,
		spec:    spec,
		timeout: 10 * time.Second,
		log:     logger.OrDefault(log, "presence"),
	}
}

// Start touches once immediately and schedules the periodic job.
func (h *Heartbeat) Start() error {
	h.mu.Lock()
	if h.cron != nil || h.stopped {
		h.mu.Unlock()
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(h.spec, func() { h.Beat(context.Background()) })
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("schedule heartbeat %q: %w", h.spec, err)
	}
	h.cron = c
	h.entry = id
	c.Start()
	h.mu.Unlock()

	h.breaker.OnTrip(func(error) { h.Stop() })
	go h.Beat(context.Background())
	return nil
}

// Beat performs one touch unless the breaker has tripped.
func (h *Heartbeat) Beat(ctx context.Context) {
	if h.breaker.Allow() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.toucher.TouchLastActive(ctx, h.userID); err != nil {
		h.breaker.Observe(err)
		h.log.WithError(err).WithField("user_id", h.userID).Debug("presence update failed")
		return
	}
	h.mu.Lock()
	h.beats++
	h.mu.Unlock()
}

// Beats returns the number of successful touches.
func (h *Heartbeat) Beats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats
}

// Running reports whether the periodic job is scheduled.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cron != nil
}

// Stop cancels the periodic job. It is idempotent and Start does nothing afterwards.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.stopped = true
	h.mu.Unlock()
	if c != nil {
		c.Remove(h.entry)
		c.Stop()
	}
}
