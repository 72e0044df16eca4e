package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/transferdesk/internal/aggregate"
	"github.com/R3E-Network/transferdesk/internal/confirm"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/livesync"
	"github.com/R3E-Network/transferdesk/internal/notify"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

var (
	// ErrNotPending is returned when resolving a request that is already resolved.
	ErrNotPending = errors.New("app: request is not pending")
	// ErrNoConversation is returned by chat actions before a conversation is opened.
	ErrNoConversation = errors.New("app: no conversation open")
)

// AdminView is everything the administrator screen renders.
type AdminView struct {
	Blocked      bool                        `json:"blocked"`
	Toasts       []notify.Toast              `json:"toasts"`
	Pending      []domain.TransactionRequest `json:"pending"`
	Conversation string                      `json:"conversation,omitempty"`
	Chat         []domain.ChatMessage        `json:"chat"`
	Aggregate    *aggregate.Snapshot         `json:"aggregate,omitempty"`
	ClearHistory ConfirmView                 `json:"clear_history"`
	ClearChat    ConfirmView                 `json:"clear_chat"`
}

// AdminScreen is the administrator's view: the pending queue with new-arrival notices,
// one support conversation at a time, and the cached archive statistics.
type AdminScreen struct {
	shell *Shell
	log   *logger.Logger

	pending *livesync.Detector
	chat    *livesync.Detector
	cache   *aggregate.Cache

	clearHistory *confirm.Controller
	clearChat    *confirm.Controller

	mu           sync.Mutex
	conversation string
	chatOpen     bool
	resolved     map[string]struct{}

	// bg scopes the scheduled refreshes; Close cancels it.
	bg        context.Context
	cancelBg  context.CancelFunc
	refreshes sync.WaitGroup
}

// NewAdminScreen wires the administrator screen inside shell. Call Start to subscribe.
func NewAdminScreen(shell *Shell) *AdminScreen {
	log := shell.log.Named("admin-screen")
	st := shell.store
	t := shell.tuning

	s := &AdminScreen{shell: shell, log: log, resolved: make(map[string]struct{})}
	s.bg, s.cancelBg = context.WithCancel(context.Background())
	s.pending = livesync.NewDetector(st, shell.breaker, livesync.Options{
		Name: "admin-pending",
		Query: store.Query{
			Collection: domain.CollectionRequests,
			Filters:    []store.Filter{store.Eq(domain.FieldStatus, string(domain.StatusPending))},
			Limit:      t.PendingLimit,
		},
		Logger: log,
	})
	notify.NewFreshPendingRule(shell.emitter, t.FreshWindow, shell.clock, log).Attach(s.pending)

	s.chat = livesync.NewDetector(st, shell.breaker, livesync.Options{
		Name:   "admin-chat",
		Query:  chatQuery("", t.ChatLimit),
		Logger: log,
	})
	s.cache = aggregate.New(st, aggregate.Options{
		TTL:          t.AggregateTTL,
		HistoryLimit: t.HistoryLimit,
		RosterLimit:  t.RosterLimit,
		Clock:        shell.clock,
		Logger:       log,
	})

	s.clearHistory = confirm.New(s.commitClearHistory, confirm.Options{
		Name: "admin_clear_history", Window: t.ConfirmWindow, Clock: shell.clock, Logger: log,
	})
	s.clearChat = confirm.New(s.commitClearChat, confirm.Options{
		Name: "admin_clear_chat", Window: t.ConfirmWindow, Clock: shell.clock, Logger: log,
	})
	return s
}

func chatQuery(conversation string, limit int) store.Query {
	return store.Query{
		Collection: domain.CollectionMessages,
		Filters:    []store.Filter{store.Eq(domain.FieldConversationID, conversation)},
		Limit:      limit,
	}
}

// Start opens the pending queue and loads the statistics.
func (s *AdminScreen) Start(ctx context.Context) error {
	if err := s.pending.Start(ctx); err != nil {
		return fmt.Errorf("start pending queue: %w", err)
	}
	if _, err := s.Stats(ctx, false); err != nil {
		s.log.WithError(err).Warn("initial statistics unavailable")
	}
	return nil
}

// Close releases every subscription and cancels scheduled refreshes.
func (s *AdminScreen) Close() {
	_ = s.pending.Close()
	_ = s.chat.Close()
	s.cancelBg()
	s.refreshes.Wait()
}

// Shell returns the session the screen runs in.
func (s *AdminScreen) Shell() *Shell { return s.shell }

// Pending returns the pending queue, newest first.
func (s *AdminScreen) Pending() []domain.TransactionRequest {
	return decodeRequests(s.pending.Snapshot(), s.log)
}

// Approve resolves a pending request as Approved.
func (s *AdminScreen) Approve(ctx context.Context, id string) error {
	return s.resolve(ctx, id, domain.StatusApproved)
}

// Reject resolves a pending request as Rejected.
func (s *AdminScreen) Reject(ctx context.Context, id string) error {
	return s.resolve(ctx, id, domain.StatusRejected)
}

func (s *AdminScreen) resolve(ctx context.Context, id string, status domain.RequestStatus) error {
	req, err := s.lookup(ctx, id)
	if err != nil {
		s.shell.actionFailed("resolve", err)
		return err
	}
	if req.Status != domain.StatusPending || !s.claim(id) {
		return fmt.Errorf("%s: %w", id, ErrNotPending)
	}

	if err := s.shell.store.Update(ctx, domain.CollectionRequests, id, map[string]any{
		domain.FieldStatus: string(status),
	}); err != nil {
		s.release(id)
		s.shell.actionFailed("resolve", err)
		return err
	}

	kind := strings.ToLower(string(req.Type))
	verb := strings.ToLower(string(status))
	severity := domain.SeveritySuccess
	if status != domain.StatusApproved {
		severity = domain.SeverityError
	}
	if _, err := s.shell.publisher.Publish(ctx, req.UserID,
		"Request "+verb,
		fmt.Sprintf("Your %s of %s was %s.", kind, req.Amount.String(), verb),
		severity); err != nil {
		// The status change stands even if the center entry could not be written.
		s.shell.actionFailed("publish", err)
	}
	s.shell.emitter.Emit("Request "+verb, fmt.Sprintf("%s %s for %s", req.Type, req.Amount.String(), req.Name), domain.SeverityInfo)

	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		if _, err := s.cache.RefreshAfter(s.bg, s.shell.tuning.RefreshDelay); err != nil {
			s.log.WithError(err).Debug("post-resolve refresh failed")
		}
	}()
	return nil
}

// claim marks id as resolved by this session. The pending snapshot lags the store,
// so a second resolve of the same id is refused here.
func (s *AdminScreen) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resolved[id]; ok {
		return false
	}
	s.resolved[id] = struct{}{}
	return true
}

func (s *AdminScreen) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resolved, id)
}

// lookup reads the request's current state from the store. The pending snapshot may
// lag a resolve made by another administrator session.
func (s *AdminScreen) lookup(ctx context.Context, id string) (domain.TransactionRequest, error) {
	docs, err := s.shell.store.GetOnce(ctx, store.Query{
		Collection: domain.CollectionRequests,
		Filters:    []store.Filter{store.Eq(domain.FieldID, id)},
		Limit:      1,
	})
	if err != nil {
		return domain.TransactionRequest{}, err
	}
	reqs := decodeRequests(docs, s.log)
	if len(reqs) == 0 {
		return domain.TransactionRequest{}, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	return reqs[0], nil
}

// DeleteRequest removes a request from the store and from every local view.
func (s *AdminScreen) DeleteRequest(ctx context.Context, id string) error {
	if err := s.shell.store.Delete(ctx, domain.CollectionRequests, id); err != nil {
		s.shell.actionFailed("delete_request", err)
		return err
	}
	s.pending.Suppress(id)
	s.cache.Forget(id)
	return nil
}

// OpenConversation points the chat at userID's conversation. The previous conversation's
// subscription is closed first.
func (s *AdminScreen) OpenConversation(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatOpen && s.conversation == userID {
		return nil
	}
	s.clearChat.Disarm()

	if err := s.chat.Retarget(ctx, chatQuery(userID, s.shell.tuning.ChatLimit)); err != nil {
		return fmt.Errorf("open conversation %s: %w", userID, err)
	}
	s.conversation = userID
	s.chatOpen = true
	return nil
}

// Conversation returns the open conversation's user id.
func (s *AdminScreen) Conversation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation, s.chatOpen
}

// Chat returns the open conversation, newest first.
func (s *AdminScreen) Chat() []domain.ChatMessage {
	if _, ok := s.Conversation(); !ok {
		return nil
	}
	return decodeMessages(s.chat.Snapshot(), s.log)
}

// SendMessage replies in the open conversation.
func (s *AdminScreen) SendMessage(ctx context.Context, text, image string) (domain.ChatMessage, error) {
	conv, ok := s.Conversation()
	if !ok {
		return domain.ChatMessage{}, ErrNoConversation
	}
	msg, err := postMessage(ctx, s.shell, conv, domain.RoleAdmin, text, image)
	if err != nil {
		s.shell.actionFailed("send_message", err)
	}
	return msg, err
}

// Stats returns the archive statistics, fetching only when the cache is stale or force is set.
func (s *AdminScreen) Stats(ctx context.Context, force bool) (aggregate.Snapshot, error) {
	snap, err := s.cache.Refresh(ctx, force)
	if err != nil {
		s.shell.actionFailed("stats", err)
	}
	return snap, err
}

// ClearHistory is the two-step control deleting the cached archive of resolved requests.
func (s *AdminScreen) ClearHistory(ctx context.Context) (confirm.Outcome, error) {
	return s.clearHistory.Trigger(ctx)
}

// ClearChat is the two-step control deleting the open conversation.
func (s *AdminScreen) ClearChat(ctx context.Context) (confirm.Outcome, error) {
	if _, ok := s.Conversation(); !ok {
		return confirm.OutcomeRejected, ErrNoConversation
	}
	return s.clearChat.Trigger(ctx)
}

func (s *AdminScreen) commitClearHistory(ctx context.Context) error {
	snap, ok := s.cache.Current()
	if !ok || len(snap.History) == 0 {
		return nil
	}
	ids := make([]string, 0, len(snap.History))
	for _, r := range snap.History {
		if r.Status.Resolved() {
			ids = append(ids, r.ID)
		}
	}
	if err := s.shell.store.BatchDelete(ctx, domain.CollectionRequests, ids); err != nil {
		s.shell.actionFailed("clear_history", err)
		return err
	}
	s.cache.Forget(ids...)
	s.shell.emitter.Emit("History cleared", fmt.Sprintf("%d requests removed.", len(ids)), domain.SeveritySuccess)
	return nil
}

func (s *AdminScreen) commitClearChat(ctx context.Context) error {
	ids := idsOf(s.chat.Snapshot())
	if len(ids) == 0 {
		return nil
	}
	if err := s.shell.store.BatchDelete(ctx, domain.CollectionMessages, ids); err != nil {
		s.shell.actionFailed("clear_chat", err)
		return err
	}
	s.chat.Suppress(ids...)
	s.shell.emitter.Emit("Chat cleared", "", domain.SeveritySuccess)
	return nil
}

// View returns the current presentation state.
func (s *AdminScreen) View() AdminView {
	conv, _ := s.Conversation()
	v := AdminView{
		Blocked:      s.shell.Blocked(),
		Toasts:       s.shell.emitter.Visible(),
		Pending:      s.Pending(),
		Conversation: conv,
		Chat:         s.Chat(),
		ClearHistory: confirmView(s.clearHistory),
		ClearChat:    confirmView(s.clearChat),
	}
	if snap, ok := s.cache.Current(); ok {
		v.Aggregate = &snap
	}
	return v
}
