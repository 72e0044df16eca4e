package store

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrQuotaExhausted is the distinguished failure returned once the store's quota is spent.
	ErrQuotaExhausted = errors.New("store: quota exhausted")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned by a store or subscription that was shut down.
	ErrClosed = errors.New("store: closed")
)

// Error describes a failed store call.
type Error struct {
	Op         string
	Collection string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store %s %s", e.Op, e.Collection)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error for a failed remote call, marking it as quota exhaustion
// when the status code or message says so.
func NewError(op, collection string, status int, message string) *Error {
	e := &Error{Op: op, Collection: collection, StatusCode: status, Message: message}
	if quotaStatus(status) || quotaMessage(message) {
		e.Err = ErrQuotaExhausted
	}
	return e
}

// IsQuotaExhausted reports whether err signals that the store's quota is spent,
// by sentinel, status code or message content.
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var se *Error
	if errors.As(err, &se) && (quotaStatus(se.StatusCode) || quotaMessage(se.Message)) {
		return true
	}
	return quotaMessage(err.Error())
}

func quotaStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusPaymentRequired
}

func quotaMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "resource exhausted") ||
		strings.Contains(m, "resource-exhausted") ||
		strings.Contains(m, "resource_exhausted") ||
		strings.Contains(m, "quota")
}
