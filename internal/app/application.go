package app

import (
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/transferdesk/internal/assistant"
	"github.com/R3E-Network/transferdesk/internal/auth"
	"github.com/R3E-Network/transferdesk/internal/config"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/drafts"
	"github.com/R3E-Network/transferdesk/internal/metrics"
	"github.com/R3E-Network/transferdesk/internal/notify"
	"github.com/R3E-Network/transferdesk/internal/presence"
	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// Options carry the collaborators of a Shell. Nil optional collaborators disable the
// features that need them.
type Options struct {
	Tuning    config.Tuning
	Clock     clock.Clock
	Logger    *logger.Logger
	Generator assistant.Generator
	Drafts    drafts.Store
}

// Shell is one signed-in session: the quota breaker, the guarded store every component
// talks through, and the toast emitter. Exactly one screen runs inside a shell.
type Shell struct {
	user      domain.UserAccount
	tuning    config.Tuning
	clock     clock.Clock
	log       *logger.Logger
	breaker   *quota.Breaker
	store     store.Store
	emitter   *notify.Emitter
	publisher *notify.Publisher
	directory *auth.Directory
	assistant *assistant.Assistant
	drafts    drafts.Store

	mu        sync.Mutex
	heartbeat *presence.Heartbeat
}

// NewShell builds a session for user over st. st is instrumented and then guarded by a
// fresh breaker; once the breaker trips no call reaches st again.
func NewShell(st store.Store, user domain.UserAccount, opts Options) *Shell {
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	log := logger.OrDefault(opts.Logger, "app")
	clk := clock.OrReal(opts.Clock)

	breaker := quota.NewBreaker(log.Named("quota"))
	guarded := quota.Guard(metrics.InstrumentStore(st), breaker)

	s := &Shell{
		user:      user,
		tuning:    opts.Tuning,
		clock:     clk,
		log:       log,
		breaker:   breaker,
		store:     guarded,
		publisher: notify.NewPublisher(guarded, clk),
		directory: auth.NewDirectory(guarded, auth.Options{Clock: clk, Logger: log.Named("auth")}),
		drafts:    opts.Drafts,
		emitter: notify.NewEmitter(notify.EmitterOptions{
			UserID: user.ID,
			TTL:    opts.Tuning.ToastTTL,
			Exit:   opts.Tuning.ToastExit,
			Clock:  clk,
			Logger: log.Named("notify"),
		}),
	}
	if opts.Generator != nil {
		s.assistant = assistant.New(opts.Generator, guarded, clk, log.Named("assistant"))
	}

	breaker.OnTrip(func(cause error) {
		metrics.RecordQuotaTrip()
		s.log.WithError(cause).WithField("user_id", user.ID).Error("session blocked: store quota exhausted")
	})
	return s
}

// User returns the signed-in account.
func (s *Shell) User() domain.UserAccount { return s.user }

// Store returns the guarded store.
func (s *Shell) Store() store.Store { return s.store }

// Breaker returns the session's quota breaker.
func (s *Shell) Breaker() *quota.Breaker { return s.breaker }

// Emitter returns the toast emitter.
func (s *Shell) Emitter() *notify.Emitter { return s.emitter }

// Blocked reports whether the session is in the terminal quota-exhausted state.
// The presentation layer renders a single blocking screen and offers only a restart.
func (s *Shell) Blocked() bool { return s.breaker.Tripped() }

// BlockedSince returns when the session was blocked, or the zero time.
func (s *Shell) BlockedSince() time.Time { return s.breaker.TrippedAt() }

// StartPresence begins the last_active heartbeat. It stops by itself on trip.
func (s *Shell) StartPresence() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != nil {
		return nil
	}
	h := presence.New(s.user.ID, s.directory, s.breaker, s.tuning.HeartbeatSpec, s.log.Named("presence"))
	if err := h.Start(); err != nil {
		return err
	}
	s.heartbeat = h
	return nil
}

// Close stops background work owned by the shell.
func (s *Shell) Close() {
	s.mu.Lock()
	h := s.heartbeat
	s.heartbeat = nil
	s.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// actionFailed reports a failed user action. Quota exhaustion is left to the blocking
// state; anything else becomes a short error toast.
func (s *Shell) actionFailed(action string, err error) {
	if err == nil {
		return
	}
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, quota.ErrTripped) || store.IsQuotaExhausted(err):
		return
	case errors.As(err, &verr):
		s.emitter.Emit("Check your input", verr.Error(), domain.SeverityWarning)
	default:
		s.log.WithError(err).WithField("action", action).Warn("action failed")
		s.emitter.Emit("Something went wrong", "Please try again.", domain.SeverityError)
	}
}

func (s *Shell) now() time.Time {
	return s.clock.Now().UTC()
}
