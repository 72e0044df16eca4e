package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/transferdesk/internal/app"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/drafts"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/internal/store/memory"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/pkg/testutil"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

var (
	customer = domain.UserAccount{ID: "u1", Name: "Amal", Phone: "0912345678", Role: domain.RoleUser}
	operator = domain.UserAccount{ID: "admin", Name: "Desk", Role: domain.RoleAdmin}
)

func newUserServer(t *testing.T, mem *memory.Store, clk *testutil.FakeClock, audit *bytes.Buffer) (*app.UserScreen, http.Handler) {
	t.Helper()
	shell := app.NewShell(mem, customer, app.Options{Clock: clk, Logger: logger.NewDiscard(), Drafts: drafts.NewMemory()})
	screen := app.NewUserScreen(shell)
	require.NoError(t, screen.Start(context.Background()))
	t.Cleanup(screen.Close)
	opts := Options{Logger: logger.NewDiscard()}
	if audit != nil {
		opts.AuditSink = audit
	}
	return screen, NewUserHandler(screen, opts)
}

func newAdminServer(t *testing.T, mem *memory.Store, clk *testutil.FakeClock) (*app.AdminScreen, http.Handler) {
	t.Helper()
	shell := app.NewShell(mem, operator, app.Options{Clock: clk, Logger: logger.NewDiscard()})
	screen := app.NewAdminScreen(shell)
	require.NoError(t, screen.Start(context.Background()))
	t.Cleanup(screen.Close)
	return screen, NewAdminHandler(screen, Options{Logger: logger.NewDiscard()})
}

func fixture(t *testing.T) (*memory.Store, *testutil.FakeClock) {
	t.Helper()
	mem := memory.New()
	t.Cleanup(mem.Close)
	return mem, testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

var deposit = map[string]any{
	"name": "Amal", "phone": "0912345678", "amount": "2500", "method": "bank",
	"proof": "receipt.jpg", "type": "Deposit",
}

// =============================================================================
// User Handler Tests
// =============================================================================

func TestUserHandler_SubmitAndState(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	resp := do(h, http.MethodPost, "/requests", deposit)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode[domain.TransactionRequest](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.StatusPending, created.Status)

	require.Eventually(t, func() bool {
		view := decode[app.UserView](t, do(h, http.MethodGet, "/state", nil))
		return len(view.Requests) == 1
	}, wait, tick)

	view := decode[app.UserView](t, do(h, http.MethodGet, "/state", nil))
	require.Len(t, view.Toasts, 1)
	assert.Equal(t, "Request submitted", view.Toasts[0].Title)
	assert.Equal(t, "idle", strings.ToLower(view.ClearHistory.State))
	assert.True(t, view.ClearHistory.Enabled)
}

func TestUserHandler_ValidationIsBadRequest(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	bad := map[string]any{}
	for k, v := range deposit {
		bad[k] = v
	}
	bad["amount"] = "0"

	resp := do(h, http.MethodPost, "/requests", bad)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	docs, err := mem.GetOnce(context.Background(), store.Query{Collection: domain.CollectionRequests})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUserHandler_UnknownFieldRejected(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	resp := do(h, http.MethodPost, "/messages", map[string]any{"text": "hi", "color": "red"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUserHandler_ProofUpload(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	resp := do(h, http.MethodPut, "/proof", []byte("\x89PNG\r\n\x1a\n proof"))
	require.Equal(t, http.StatusNoContent, resp.Code)

	draft := map[string]any{}
	for k, v := range deposit {
		draft[k] = v
	}
	delete(draft, "proof")
	resp = do(h, http.MethodPost, "/requests", draft)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Contains(t, decode[domain.TransactionRequest](t, resp).Proof, "data:image/png;base64,")

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/proof", []byte{}).Code)
}

func TestUserHandler_ClearChatTwoStep(t *testing.T) {
	mem, clk := fixture(t)
	_, err := mem.Insert(context.Background(), domain.CollectionMessages, domain.ChatMessage{
		ConversationID: customer.ID, Role: domain.RoleUser, Text: "hello", CreatedAt: clk.Now(),
	})
	require.NoError(t, err)
	_, h := newUserServer(t, mem, clk, nil)
	require.Eventually(t, func() bool {
		return len(decode[app.UserView](t, do(h, http.MethodGet, "/state", nil)).Chat) == 1
	}, wait, tick)

	first := do(h, http.MethodPost, "/chat/clear", nil)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "armed", decode[map[string]string](t, first)["outcome"])

	second := do(h, http.MethodPost, "/chat/clear", nil)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "committed", decode[map[string]string](t, second)["outcome"])

	view := decode[app.UserView](t, do(h, http.MethodGet, "/state", nil))
	assert.Empty(t, view.Chat)
}

func TestUserHandler_AssistantUnavailable(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	resp := do(h, http.MethodPost, "/assistant", map[string]any{"question": "where is my money?"})
	assert.Equal(t, http.StatusNotImplemented, resp.Code)
}

func TestUserHandler_DismissToast(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)
	require.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/requests", deposit).Code)

	view := decode[app.UserView](t, do(h, http.MethodGet, "/state", nil))
	require.Len(t, view.Toasts, 1)

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/toasts/"+view.Toasts[0].ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/toasts/missing", nil).Code)
}

func TestUserHandler_QuotaBlocksActions(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newUserServer(t, mem, clk, nil)

	mem.SetFault(func(op, _ string) error {
		if op == memory.OpInsert {
			return store.NewError(op, domain.CollectionRequests, http.StatusTooManyRequests, "quota exceeded")
		}
		return nil
	})

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/requests", deposit).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/messages", map[string]any{"text": "hi"}).Code)

	health := do(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, health.Code)
	assert.Equal(t, "blocked", decode[map[string]any](t, health)["status"])

	view := decode[app.UserView](t, do(h, http.MethodGet, "/state", nil))
	assert.True(t, view.Blocked)
}

func TestUserHandler_AuditRecordsActions(t *testing.T) {
	mem, clk := fixture(t)
	var sink bytes.Buffer
	_, h := newUserServer(t, mem, clk, &sink)

	do(h, http.MethodPost, "/requests", deposit)
	do(h, http.MethodGet, "/state", nil)

	entries := decode[[]auditEntry](t, do(h, http.MethodGet, "/audit", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "/requests", entries[0].Path)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
	assert.Equal(t, "u1", entries[0].User)
	assert.Equal(t, "user", entries[0].Role)

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	assert.Len(t, lines, 1)
}

func TestUserHandler_DeleteForeignRequestIsNotFound(t *testing.T) {
	mem, clk := fixture(t)
	_, err := mem.Insert(context.Background(), domain.CollectionRequests, domain.TransactionRequest{
		ID: "theirs", UserID: "u2", Type: domain.RequestDeposit, Status: domain.StatusPending,
		Amount: decimal.NewFromInt(80), CreatedAt: clk.Now(),
	})
	require.NoError(t, err)
	_, h := newUserServer(t, mem, clk, nil)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/requests/theirs", nil).Code)
	docs, err := mem.GetOnce(context.Background(), store.Query{Collection: domain.CollectionRequests})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

// =============================================================================
// Admin Handler Tests
// =============================================================================

func seedPending(t *testing.T, mem *memory.Store, clk *testutil.FakeClock, id string, age time.Duration) {
	t.Helper()
	_, err := mem.Insert(context.Background(), domain.CollectionRequests, domain.TransactionRequest{
		ID: id, UserID: customer.ID, Name: "Amal", Phone: "0912345678", Method: "bank",
		Type: domain.RequestDeposit, Status: domain.StatusPending, Amount: decimal.NewFromInt(700),
		CreatedAt: clk.Now().Add(-age),
	})
	require.NoError(t, err)
}

func TestAdminHandler_ApproveLifecycle(t *testing.T) {
	mem, clk := fixture(t)
	seedPending(t, mem, clk, "r1", time.Hour)
	screen, h := newAdminServer(t, mem, clk)
	require.Eventually(t, func() bool { return len(screen.Pending()) == 1 }, wait, tick)

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "/requests/r1/approve", nil).Code)
	resp := do(h, http.MethodPost, "/requests/r1/reject", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	require.Eventually(t, func() bool {
		return len(decode[app.AdminView](t, do(h, http.MethodGet, "/state", nil)).Pending) == 0
	}, wait, tick)
}

func TestAdminHandler_UnknownRequestIsNotFound(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newAdminServer(t, mem, clk)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/requests/nope/approve", nil).Code)
}

func TestAdminHandler_ChatNeedsConversation(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newAdminServer(t, mem, clk)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/messages", map[string]any{"text": "hello"}).Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "/conversations/u1", nil).Code)

	resp := do(h, http.MethodPost, "/messages", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusCreated, resp.Code)
	msg := decode[domain.ChatMessage](t, resp)
	assert.Equal(t, "u1", msg.ConversationID)
	assert.Equal(t, domain.RoleAdmin, msg.Role)
}

func TestAdminHandler_Stats(t *testing.T) {
	mem, clk := fixture(t)
	_, err := mem.Insert(context.Background(), domain.CollectionRequests, domain.TransactionRequest{
		ID: "done", UserID: customer.ID, Type: domain.RequestWithdraw, Status: domain.StatusApproved,
		Amount: decimal.NewFromInt(300), CreatedAt: clk.Now(),
	})
	require.NoError(t, err)
	_, h := newAdminServer(t, mem, clk)

	resp := do(h, http.MethodGet, "/stats?force=true", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[map[string]any](t, resp)
	assert.Contains(t, body, "stats")
}

func TestMetricsEndpoint(t *testing.T) {
	mem, clk := fixture(t)
	_, h := newAdminServer(t, mem, clk)
	do(h, http.MethodGet, "/state", nil)

	resp := do(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "transferdesk_http_requests_total")
}

// =============================================================================
// Middleware Tests
// =============================================================================

func TestCORS(t *testing.T) {
	mem, clk := fixture(t)
	shell := app.NewShell(mem, customer, app.Options{Clock: clk, Logger: logger.NewDiscard()})
	screen := app.NewUserScreen(shell)
	h := NewUserHandler(screen, Options{Logger: logger.NewDiscard(), AllowedOrigins: []string{"https://desk.example"}})

	pre := httptest.NewRequest(http.MethodOptions, "/requests", nil)
	pre.Header.Set("Origin", "https://desk.example")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, pre)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "https://desk.example", resp.Header().Get("Access-Control-Allow-Origin"))

	other := httptest.NewRequest(http.MethodGet, "/state", nil)
	other.Header.Set("Origin", "https://evil.example")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, other)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestActionRateLimit(t *testing.T) {
	mem, clk := fixture(t)
	shell := app.NewShell(mem, customer, app.Options{Clock: clk, Logger: logger.NewDiscard()})
	screen := app.NewUserScreen(shell)
	h := NewUserHandler(screen, Options{Logger: logger.NewDiscard(), ActionRate: 0.001, ActionBurst: 2})

	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/messages", map[string]any{"text": "one"}).Code)
	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/messages", map[string]any{"text": "two"}).Code)
	resp := do(h, http.MethodPost, "/messages", map[string]any{"text": "three"})
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/state", nil).Code)
}
