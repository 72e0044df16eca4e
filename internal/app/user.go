package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/R3E-Network/transferdesk/internal/confirm"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/drafts"
	"github.com/R3E-Network/transferdesk/internal/livesync"
	"github.com/R3E-Network/transferdesk/internal/notify"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// ErrAssistantUnavailable is returned by AskAssistant when no generator is configured.
var ErrAssistantUnavailable = errors.New("app: assistant not configured")

// proofSlot is the draft slot holding a deposit proof until submission.
const proofSlot = "proof"

// ConfirmView is the presentation state of a destructive control.
type ConfirmView struct {
	State   string `json:"state"`
	Enabled bool   `json:"enabled"`
}

func confirmView(c *confirm.Controller) ConfirmView {
	return ConfirmView{State: c.State().String(), Enabled: c.Enabled()}
}

// UserView is everything the user screen renders.
type UserView struct {
	User          domain.UserAccount          `json:"user"`
	Blocked       bool                        `json:"blocked"`
	Toasts        []notify.Toast              `json:"toasts"`
	Notifications []domain.AppNotification    `json:"notifications"`
	Unread        int                         `json:"unread"`
	Requests      []domain.TransactionRequest `json:"requests"`
	Chat          []domain.ChatMessage        `json:"chat"`
	ClearHistory  ConfirmView                 `json:"clear_history"`
	ClearChat     ConfirmView                 `json:"clear_chat"`
}

// UserScreen is the end user's view: own requests with status notices, the support
// conversation and the notification center.
type UserScreen struct {
	shell *Shell
	log   *logger.Logger

	requests *livesync.Detector
	chat     *livesync.Detector
	center   *notify.Center

	clearHistory *confirm.Controller
	clearChat    *confirm.Controller
}

// NewUserScreen wires the user screen inside shell. Call Start to subscribe.
func NewUserScreen(shell *Shell) *UserScreen {
	uid := shell.user.ID
	log := shell.log.Named("user-screen")
	st := shell.store
	t := shell.tuning

	s := &UserScreen{shell: shell, log: log}
	s.requests = livesync.NewDetector(st, shell.breaker, livesync.Options{
		Name: "user-requests",
		Query: store.Query{
			Collection: domain.CollectionRequests,
			Filters:    []store.Filter{store.Eq(domain.FieldUserID, uid)},
			Limit:      t.RequestLimit,
		},
		StatusField: domain.FieldStatus,
		Logger:      log,
	})
	s.chat = livesync.NewDetector(st, shell.breaker, livesync.Options{
		Name: "user-chat",
		Query: store.Query{
			Collection: domain.CollectionMessages,
			Filters:    []store.Filter{store.Eq(domain.FieldConversationID, uid)},
			Limit:      t.ChatLimit,
		},
		Logger: log,
	})
	s.center = notify.NewCenter(st, shell.breaker, notify.CenterOptions{
		UserID: uid,
		Limit:  t.CenterLimit,
		Logger: log,
	})
	notify.NewTransitionRule(shell.emitter, log).Attach(s.requests)

	s.clearHistory = confirm.New(s.commitClearHistory, confirm.Options{
		Name: "user_clear_history", Window: t.ConfirmWindow, Clock: shell.clock, Logger: log,
	})
	s.clearChat = confirm.New(s.commitClearChat, confirm.Options{
		Name: "user_clear_chat", Window: t.ConfirmWindow, Clock: shell.clock, Logger: log,
	})
	return s
}

// Start opens the screen's live queries.
func (s *UserScreen) Start(ctx context.Context) error {
	if err := s.requests.Start(ctx); err != nil {
		return fmt.Errorf("start requests: %w", err)
	}
	if err := s.chat.Start(ctx); err != nil {
		return fmt.Errorf("start chat: %w", err)
	}
	if err := s.center.Start(ctx); err != nil {
		return fmt.Errorf("start notification center: %w", err)
	}
	return nil
}

// Close releases every subscription of the screen.
func (s *UserScreen) Close() {
	_ = s.requests.Close()
	_ = s.chat.Close()
	_ = s.center.Close()
}

// Requests returns the user's requests, newest first.
func (s *UserScreen) Requests() []domain.TransactionRequest {
	return decodeRequests(s.requests.Snapshot(), s.log)
}

// Chat returns the conversation, newest first.
func (s *UserScreen) Chat() []domain.ChatMessage {
	return decodeMessages(s.chat.Snapshot(), s.log)
}

// Shell returns the session the screen runs in.
func (s *UserScreen) Shell() *Shell { return s.shell }

// Center returns the notification center.
func (s *UserScreen) Center() *notify.Center { return s.center }

// AttachProof keeps a proof image until the next deposit is submitted.
func (s *UserScreen) AttachProof(ctx context.Context, image []byte) error {
	if s.shell.drafts == nil {
		return errors.New("app: draft storage not configured")
	}
	return s.shell.drafts.Put(ctx, drafts.Key(s.shell.user.ID, proofSlot), image)
}

// Submit validates draft and stores it as a pending request. Validation runs before
// any store call.
func (s *UserScreen) Submit(ctx context.Context, draft domain.RequestDraft) (domain.TransactionRequest, error) {
	if draft.Proof == "" && s.shell.drafts != nil {
		if img, err := s.shell.drafts.Get(ctx, drafts.Key(s.shell.user.ID, proofSlot)); err == nil {
			draft.Proof = "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
		}
	}

	amount, err := draft.Validate()
	if err != nil {
		s.shell.actionFailed("submit", err)
		return domain.TransactionRequest{}, err
	}

	req := domain.TransactionRequest{
		UserID:    s.shell.user.ID,
		Name:      draft.Name,
		Phone:     draft.Phone,
		Amount:    amount,
		Method:    draft.Method,
		Target:    draft.Target,
		Proof:     draft.Proof,
		Type:      draft.Type,
		Status:    domain.StatusPending,
		CreatedAt: s.shell.now(),
	}
	id, err := s.shell.store.Insert(ctx, domain.CollectionRequests, req)
	if err != nil {
		s.shell.actionFailed("submit", err)
		return domain.TransactionRequest{}, err
	}
	req.ID = id

	if s.shell.drafts != nil {
		_ = s.shell.drafts.Delete(ctx, drafts.Key(s.shell.user.ID, proofSlot))
	}
	s.shell.emitter.Emit("Request submitted",
		fmt.Sprintf("Your %s of %s is pending review.", req.Type, req.Amount.String()),
		domain.SeverityInfo)
	return req, nil
}

// DeleteRequest removes one of the user's requests and hides it immediately.
// Requests owned by someone else are reported as not found.
func (s *UserScreen) DeleteRequest(ctx context.Context, id string) error {
	owned, err := s.owns(ctx, id)
	if err != nil {
		s.shell.actionFailed("delete_request", err)
		return err
	}
	if !owned {
		return fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	if err := s.shell.store.Delete(ctx, domain.CollectionRequests, id); err != nil {
		s.shell.actionFailed("delete_request", err)
		return err
	}
	s.requests.Suppress(id)
	return nil
}

// owns reports whether id belongs to the session user, reading the store once when the
// request is not in the live view.
func (s *UserScreen) owns(ctx context.Context, id string) (bool, error) {
	for _, doc := range s.requests.Snapshot() {
		if doc.ID == id {
			return doc.Get(domain.FieldUserID).String() == s.shell.user.ID, nil
		}
	}
	docs, err := s.shell.store.GetOnce(ctx, store.Query{
		Collection: domain.CollectionRequests,
		Filters: []store.Filter{
			store.Eq(domain.FieldID, id),
			store.Eq(domain.FieldUserID, s.shell.user.ID),
		},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// SendMessage posts a user message to the support conversation.
func (s *UserScreen) SendMessage(ctx context.Context, text, image string) (domain.ChatMessage, error) {
	msg, err := postMessage(ctx, s.shell, s.shell.user.ID, domain.RoleUser, text, image)
	if err != nil {
		s.shell.actionFailed("send_message", err)
	}
	return msg, err
}

// AskAssistant posts question and then the assistant's answer.
func (s *UserScreen) AskAssistant(ctx context.Context, question string) (domain.ChatMessage, error) {
	if s.shell.assistant == nil {
		return domain.ChatMessage{}, ErrAssistantUnavailable
	}
	asked, err := s.SendMessage(ctx, question, "")
	if err != nil {
		return domain.ChatMessage{}, err
	}

	chat := []domain.ChatMessage{asked}
	for _, m := range s.Chat() {
		if m.ID != asked.ID {
			chat = append(chat, m)
		}
	}
	reply, err := s.shell.assistant.Reply(ctx, s.shell.user, s.Requests(), chat)
	if err != nil {
		s.shell.actionFailed("assistant", err)
		return domain.ChatMessage{}, err
	}
	return reply, nil
}

// ClearHistory is the two-step control deleting every resolved request of the user.
func (s *UserScreen) ClearHistory(ctx context.Context) (confirm.Outcome, error) {
	return s.clearHistory.Trigger(ctx)
}

// ClearChat is the two-step control deleting the user's conversation.
func (s *UserScreen) ClearChat(ctx context.Context) (confirm.Outcome, error) {
	return s.clearChat.Trigger(ctx)
}

func (s *UserScreen) commitClearHistory(ctx context.Context) error {
	var ids []string
	for _, doc := range s.requests.Snapshot() {
		if domain.RequestStatus(doc.Get(domain.FieldStatus).String()).Resolved() {
			ids = append(ids, doc.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.shell.store.BatchDelete(ctx, domain.CollectionRequests, ids); err != nil {
		s.shell.actionFailed("clear_history", err)
		return err
	}
	s.requests.Suppress(ids...)
	s.shell.emitter.Emit("History cleared", fmt.Sprintf("%d requests removed.", len(ids)), domain.SeveritySuccess)
	return nil
}

func (s *UserScreen) commitClearChat(ctx context.Context) error {
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
func (s *UserScreen) View() UserView {
	return UserView{
		User:          s.shell.user,
		Blocked:       s.shell.Blocked(),
		Toasts:        s.shell.emitter.Visible(),
		Notifications: s.center.Entries(),
		Unread:        s.center.UnreadCount(),
		Requests:      s.Requests(),
		Chat:          s.Chat(),
		ClearHistory:  confirmView(s.clearHistory),
		ClearChat:     confirmView(s.clearChat),
	}
}

func postMessage(ctx context.Context, shell *Shell, conversation string, role domain.Role, text, image string) (domain.ChatMessage, error) {
	if err := domain.ValidateMessage(text, image); err != nil {
		return domain.ChatMessage{}, err
	}
	msg := domain.ChatMessage{
		ConversationID: conversation,
		Role:           role,
		Text:           text,
		Image:          image,
		CreatedAt:      shell.now(),
	}
	id, err := shell.store.Insert(ctx, domain.CollectionMessages, msg)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg.ID = id
	return msg, nil
}
