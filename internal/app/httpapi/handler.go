package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/transferdesk/internal/app"
	"github.com/R3E-Network/transferdesk/internal/confirm"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/metrics"
	"github.com/R3E-Network/transferdesk/internal/quota"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

// maxProofBytes bounds an uploaded proof image.
const maxProofBytes = 4 << 20

// Options configure a screen handler.
type Options struct {
	Logger *logger.Logger
	// AuditSink, when set, receives every served action as one JSON line.
	AuditSink io.Writer
	// AllowedOrigins lists browser origins granted CORS access.
	AllowedOrigins []string
	// ActionRate caps actions per second per client. Zero disables the cap.
	ActionRate  float64
	ActionBurst int
}

type userHandler struct {
	screen *app.UserScreen
}

type adminHandler struct {
	screen *app.AdminScreen
}

// NewUserHandler returns a router serving the user screen.
func NewUserHandler(screen *app.UserScreen, opts Options) http.Handler {
	h := &userHandler{screen: screen}
	shell := screen.Shell()
	audit := newAuditLog(200, shell.User(), logger.OrDefault(opts.Logger, "httpapi"), opts.AuditSink)

	r := baseRouter(shell, audit)
	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, screen.View())
	}).Methods(http.MethodGet)

	actions := r.NewRoute().Subrouter()
	actions.Use(audit.middleware, blockedGuard(shell))
	if opts.ActionRate > 0 {
		actions.Use(newActionLimiter(opts.ActionRate, opts.ActionBurst).middleware)
	}

	actions.HandleFunc("/requests", h.submit).Methods(http.MethodPost)
	actions.HandleFunc("/requests/{id}", h.deleteRequest).Methods(http.MethodDelete)
	actions.HandleFunc("/proof", h.attachProof).Methods(http.MethodPut, http.MethodPost)
	actions.HandleFunc("/messages", h.sendMessage).Methods(http.MethodPost)
	actions.HandleFunc("/assistant", h.askAssistant).Methods(http.MethodPost)
	actions.HandleFunc("/history/clear", confirmAction(screen.ClearHistory)).Methods(http.MethodPost)
	actions.HandleFunc("/chat/clear", confirmAction(screen.ClearChat)).Methods(http.MethodPost)
	actions.HandleFunc("/notifications/read", h.markAllRead).Methods(http.MethodPost)
	actions.HandleFunc("/notifications/{id}/read", h.markRead).Methods(http.MethodPost)

	return metrics.InstrumentHandler(corsMiddleware(opts.AllowedOrigins)(r))
}

// NewAdminHandler returns a router serving the administrator screen.
func NewAdminHandler(screen *app.AdminScreen, opts Options) http.Handler {
	h := &adminHandler{screen: screen}
	shell := screen.Shell()
	audit := newAuditLog(200, shell.User(), logger.OrDefault(opts.Logger, "httpapi"), opts.AuditSink)

	r := baseRouter(shell, audit)
	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, screen.View())
	}).Methods(http.MethodGet)

	actions := r.NewRoute().Subrouter()
	actions.Use(audit.middleware, blockedGuard(shell))
	if opts.ActionRate > 0 {
		actions.Use(newActionLimiter(opts.ActionRate, opts.ActionBurst).middleware)
	}

	actions.HandleFunc("/requests/{id}/approve", h.approve).Methods(http.MethodPost)
	actions.HandleFunc("/requests/{id}/reject", h.reject).Methods(http.MethodPost)
	actions.HandleFunc("/requests/{id}", h.deleteRequest).Methods(http.MethodDelete)
	actions.HandleFunc("/conversations/{id}", h.openConversation).Methods(http.MethodPost)
	actions.HandleFunc("/messages", h.sendMessage).Methods(http.MethodPost)
	actions.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	actions.HandleFunc("/history/clear", confirmAction(screen.ClearHistory)).Methods(http.MethodPost)
	actions.HandleFunc("/chat/clear", confirmAction(screen.ClearChat)).Methods(http.MethodPost)

	return metrics.InstrumentHandler(corsMiddleware(opts.AllowedOrigins)(r))
}

// baseRouter carries the routes both screens share.
func baseRouter(shell *app.Shell, audit *auditLog) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok"}
		if shell.Blocked() {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "blocked", "since": shell.BlockedSince()}
		}
		writeJSON(w, status, body)
	}).Methods(http.MethodGet)
	r.HandleFunc("/toasts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !shell.Emitter().Dismiss(mux.Vars(r)["id"]) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	r.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, audit.listLimit(limit))
	}).Methods(http.MethodGet)
	return r
}

// blockedGuard answers every action with 503 once the session's quota breaker tripped.
func blockedGuard(shell *app.Shell) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shell.Blocked() {
				writeError(w, http.StatusServiceUnavailable, quota.ErrTripped)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// User endpoints
// =============================================================================

type draftPayload struct {
	Name   string             `json:"name"`
	Phone  string             `json:"phone"`
	Amount string             `json:"amount"`
	Method string             `json:"method"`
	Target string             `json:"target"`
	Proof  string             `json:"proof"`
	Type   domain.RequestType `json:"type"`
}

func (h *userHandler) submit(w http.ResponseWriter, r *http.Request) {
	var payload draftPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.screen.Submit(r.Context(), domain.RequestDraft{
		Name:   payload.Name,
		Phone:  payload.Phone,
		Amount: payload.Amount,
		Method: payload.Method,
		Target: payload.Target,
		Proof:  payload.Proof,
		Type:   payload.Type,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *userHandler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.DeleteRequest(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *userHandler) attachProof(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	img, err := io.ReadAll(io.LimitReader(r.Body, maxProofBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(img) == 0 || len(img) > maxProofBytes {
		writeError(w, http.StatusBadRequest, fmt.Errorf("proof must be between 1 and %d bytes", maxProofBytes))
		return
	}
	if err := h.screen.AttachProof(r.Context(), img); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messagePayload struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (h *userHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := h.screen.SendMessage(r.Context(), payload.Text, payload.Image)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *userHandler) askAssistant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question string `json:"question"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := h.screen.AskAssistant(r.Context(), payload.Question)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *userHandler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.Center().MarkRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": h.screen.Center().UnreadCount()})
}

func (h *userHandler) markAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.Center().MarkAllRead(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": h.screen.Center().UnreadCount()})
}

// =============================================================================
// Admin endpoints
// =============================================================================

func (h *adminHandler) approve(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.Approve(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) reject(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.Reject(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.DeleteRequest(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) openConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.screen.OpenConversation(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := h.screen.SendMessage(r.Context(), payload.Text, payload.Image)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *adminHandler) stats(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	snap, err := h.screen.Stats(r.Context(), force)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// =============================================================================
// Shared helpers
// =============================================================================

// confirmAction serves one press of a two-step destructive control.
func confirmAction(trigger func(ctx context.Context) (confirm.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := trigger(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		status := http.StatusAccepted
		if outcome == confirm.OutcomeCommitted {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]string{"outcome": outcome.String()})
	}
}

// statusFor maps an action error to an HTTP status.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrTripped), store.IsQuotaExhausted(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrNotPending), errors.Is(err, app.ErrNoConversation), errors.Is(err, confirm.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, app.ErrAssistantUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
