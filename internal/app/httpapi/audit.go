package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

type auditEntry struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	Role       string    `json:"role"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// auditLog keeps the most recent actions taken through the session.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	user    domain.UserAccount
	log     *logger.Logger
	sink    *jsonlSink
}

func newAuditLog(max int, user domain.UserAccount, log *logger.Logger, sink io.Writer) *auditLog {
	if max <= 0 {
		max = 200
	}
	l := &auditLog{max: max, user: user, log: log}
	if sink != nil {
		l.sink = &jsonlSink{w: sink}
	}
	return l
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		if err := l.sink.Write(entry); err != nil {
			l.log.WithError(err).Warn("audit sink write failed")
		}
	}
}

func (l *auditLog) list() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *auditLog) listLimit(limit int) []auditEntry {
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	all := l.list()
	if len(all) <= limit {
		return all
	}
	return all[len(all)-limit:]
}

// middleware records every action after it was served.
func (l *auditLog) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := auditEntry{
			Time:       time.Now().UTC(),
			User:       l.user.ID,
			Role:       string(l.user.Role),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
		}
		l.add(entry)
		l.log.WithFields(map[string]any{
			"method": entry.Method,
			"path":   entry.Path,
			"status": entry.Status,
		}).Info("action served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// jsonlSink appends audit entries as JSONL.
type jsonlSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *jsonlSink) Write(entry auditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}
