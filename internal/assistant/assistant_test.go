package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/internal/store/memory"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/pkg/testutil"
)

type stubGenerator struct {
	reply string
	err   error
	got   string
}

func (s *stubGenerator) Generate(_ context.Context, contextText string) (string, error) {
	s.got = contextText
	return s.reply, s.err
}

var (
	at   = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	user = domain.UserAccount{ID: "u1", Name: "Amal", Phone: "0912345678"}
)

// =============================================================================
// HTTPGenerator Tests
// =============================================================================

func TestHTTPGenerator_ParsesReply(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var p struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.Unmarshal(body, &p))
		prompt = p.Contents[0].Parts[0].Text
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"  Your deposit is pending.  "}]}}]}`)
	}))
	defer srv.Close()

	g, err := NewHTTPGenerator(HTTPConfig{URL: srv.URL, APIKey: "key"})
	require.NoError(t, err)

	reply, err := g.Generate(context.Background(), "where is my money")
	require.NoError(t, err)
	assert.Equal(t, "Your deposit is pending.", reply)
	assert.Equal(t, "where is my money", prompt)
}

func TestHTTPGenerator_Errors(t *testing.T) {
	serve := func(status int, body string) *HTTPGenerator {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
		}))
		t.Cleanup(srv.Close)
		g, err := NewHTTPGenerator(HTTPConfig{URL: srv.URL})
		require.NoError(t, err)
		return g
	}

	_, err := serve(http.StatusInternalServerError, `{"error":{"message":"model overloaded"}}`).Generate(context.Background(), "hi")
	assert.ErrorContains(t, err, "model overloaded")

	_, err = serve(http.StatusOK, `{"candidates":[]}`).Generate(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyReply)

	_, err = NewHTTPGenerator(HTTPConfig{})
	assert.Error(t, err)
}

func TestHTTPGenerator_ThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	g, err := NewHTTPGenerator(HTTPConfig{URL: srv.URL, Rate: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, "second")
	assert.ErrorContains(t, err, "assistant throttle")
}

// =============================================================================
// Assistant Tests
// =============================================================================

func TestReply_PostsGeneratedMessage(t *testing.T) {
	mem := memory.New()
	gen := &stubGenerator{reply: "Approved deposits arrive within an hour."}
	a := New(gen, mem, testutil.NewFakeClock(at), logger.NewDiscard())

	reqs := []domain.TransactionRequest{{
		Type: domain.RequestDeposit, Amount: decimal.NewFromInt(2500), Method: "bank",
		Status: domain.StatusPending, CreatedAt: at.Add(-time.Hour),
	}}
	chat := []domain.ChatMessage{
		{Role: domain.RoleUser, Text: "when will it arrive?"},
		{Role: domain.RoleUser, Image: "receipt.jpg"},
	}

	msg, err := a.Reply(context.Background(), user, reqs, chat)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, "u1", msg.ConversationID)
	assert.Equal(t, gen.reply, msg.Text)

	assert.Contains(t, gen.got, "Deposit 2500 via bank: Pending")
	assert.Less(t, strings.Index(gen.got, "user: [image]"), strings.Index(gen.got, "user: when will it arrive?"))

	docs, err := mem.GetOnce(context.Background(), store.Query{Collection: domain.CollectionMessages})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestReply_GeneratorFailurePostsSubstitute(t *testing.T) {
	mem := memory.New()
	a := New(&stubGenerator{err: errors.New("timeout")}, mem, testutil.NewFakeClock(at), logger.NewDiscard())

	msg, err := a.Reply(context.Background(), user, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, SubstituteReply, msg.Text)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
}

func TestReply_InsertFailureIsReturned(t *testing.T) {
	mem := memory.New()
	mem.SetFault(func(op, coll string) error { return errors.New("offline") })
	a := New(&stubGenerator{reply: "hello"}, mem, testutil.NewFakeClock(at), logger.NewDiscard())

	_, err := a.Reply(context.Background(), user, nil, nil)
	assert.ErrorContains(t, err, "offline")
}
