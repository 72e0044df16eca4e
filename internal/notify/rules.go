package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/livesync"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// FreshWindow is how old a pending request may be and still count as new.
const FreshWindow = 15 * time.Second

// TransitionRule emits one toast per status transition of a request.
// Approved becomes a success toast, anything else an error toast.
type TransitionRule struct {
	emitter *Emitter
	log     *logger.Logger
}

// NewTransitionRule creates the rule.
func NewTransitionRule(emitter *Emitter, log *logger.Logger) *TransitionRule {
	return &TransitionRule{emitter: emitter, log: logger.OrDefault(log, "notify")}
}

// Attach subscribes the rule to a detector's transitions.
func (r *TransitionRule) Attach(d *livesync.Detector) {
	d.OnTransitions(r.Handle)
}

// Handle emits toasts for a batch of transitions. A request that cannot be decoded is
// announced by its new status alone.
func (r *TransitionRule) Handle(transitions []livesync.Transition) {
	for _, tr := range transitions {
		verb := strings.ToLower(tr.To)
		body := fmt.Sprintf("Your request was %s.", verb)

		var req domain.TransactionRequest
		if err := tr.Doc.Decode(&req); err != nil {
			r.log.WithError(err).WithField("request_id", tr.ID).Warn("undecodable request in transition")
		} else {
			kind := strings.ToLower(string(req.Type))
			if kind == "" {
				kind = "request"
			}
			body = fmt.Sprintf("Your %s of %s was %s.", kind, req.Amount.String(), verb)
		}

		severity := domain.SeverityError
		if domain.RequestStatus(tr.To) == domain.StatusApproved {
			severity = domain.SeveritySuccess
		}
		r.emitter.Emit("Request "+verb, body, severity)
	}
}

// FreshPendingRule flags pending requests that arrived within the fresh window, so an
// administrator hears about new submissions but not about the backlog loaded at start.
type FreshPendingRule struct {
	emitter *Emitter
	window  time.Duration
	clock   clock.Clock
	log     *logger.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFreshPendingRule creates the rule. A zero window means FreshWindow.
func NewFreshPendingRule(emitter *Emitter, window time.Duration, clk clock.Clock, log *logger.Logger) *FreshPendingRule {
	if window <= 0 {
		window = FreshWindow
	}
	return &FreshPendingRule{
		emitter: emitter,
		window:  window,
		clock:   clock.OrReal(clk),
		log:     logger.OrDefault(log, "notify"),
		seen:    make(map[string]struct{}),
	}
}

// Attach subscribes the rule to a detector's change records.
func (r *FreshPendingRule) Attach(d *livesync.Detector) {
	d.OnChanges(r.Handle)
}

// Handle emits a toast for every fresh pending request among the added records.
func (r *FreshPendingRule) Handle(changes []livesync.Change) {
	now := r.clock.Now()
	for _, c := range changes {
		if c.Kind != livesync.Added {
			continue
		}
		var req domain.TransactionRequest
		if err := c.Doc.Decode(&req); err != nil {
			r.log.WithError(err).WithField("request_id", c.Doc.ID).Warn("undecodable request")
			continue
		}
		if req.Status != domain.StatusPending {
			continue
		}
		if req.CreatedAt.IsZero() || now.Sub(req.CreatedAt) > r.window {
			continue
		}
		if !r.markSeen(req.ID) {
			continue
		}

		kind := strings.ToLower(string(req.Type))
		r.emitter.Emit("New "+kind,
			fmt.Sprintf("%s requested %s via %s.", req.Name, req.Amount.String(), req.Method),
			domain.SeverityInfo)
	}
}

func (r *FreshPendingRule) markSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}
