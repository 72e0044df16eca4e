package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// SubstituteReply is posted when the generator fails.
const SubstituteReply = "Sorry, I can't answer right now. A support agent will reply shortly."

// contextItems bounds how much history goes into the context.
const contextItems = 10

// Assistant posts generated replies into a user's conversation.
type Assistant struct {
	gen   Generator
	st    store.Store
	clock clock.Clock
	log   *logger.Logger
}

// New creates an assistant writing to st.
func New(gen Generator, st store.Store, clk clock.Clock, log *logger.Logger) *Assistant {
	return &Assistant{
		gen:   gen,
		st:    st,
		clock: clock.OrReal(clk),
		log:   logger.OrDefault(log, "assistant"),
	}
}

// Reply asks the generator about the conversation and inserts the answer as an
// assistant message. A generator failure inserts SubstituteReply instead; only a failed
// insert is returned as an error.
func (a *Assistant) Reply(ctx context.Context, user domain.UserAccount, requests []domain.TransactionRequest, chat []domain.ChatMessage) (domain.ChatMessage, error) {
	text, err := a.gen.Generate(ctx, BuildContext(user, requests, chat))
	if err != nil {
		a.log.WithError(err).WithField("user_id", user.ID).Warn("assistant unavailable, posting substitute reply")
		text = SubstituteReply
	}

	msg := domain.ChatMessage{
		ConversationID: user.ID,
		Role:           domain.RoleAssistant,
		Text:           text,
		CreatedAt:      a.clock.Now().UTC(),
	}
	id, err := a.st.Insert(ctx, domain.CollectionMessages, msg)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("post assistant reply: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// BuildContext renders the user's recent requests and chat as plain text.
// Both slices are expected newest first; the context lists them oldest first.
func BuildContext(user domain.UserAccount, requests []domain.TransactionRequest, chat []domain.ChatMessage) string {
	var b strings.Builder
	b.WriteString("You are the support assistant of a money transfer service. Answer briefly.\n")
	fmt.Fprintf(&b, "Customer: %s (%s)\n", user.Name, user.Phone)

	b.WriteString("Recent requests:\n")
	if len(requests) == 0 {
		b.WriteString("- none\n")
	}
	for i := min(len(requests), contextItems) - 1; i >= 0; i-- {
		r := requests[i]
		fmt.Fprintf(&b, "- %s %s via %s: %s (%s)\n",
			r.Type, r.Amount.String(), r.Method, r.Status, r.CreatedAt.Format("2006-01-02 15:04"))
	}

	b.WriteString("Conversation:\n")
	for i := min(len(chat), contextItems) - 1; i >= 0; i-- {
		m := chat[i]
		text := m.Text
		if text == "" && m.Image != "" {
			text = "[image]"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}
