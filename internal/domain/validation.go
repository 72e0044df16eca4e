package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError reports malformed user input. It is raised before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RequestDraft is what the submission form collects.
type RequestDraft struct {
	Name   string
	Phone  string
	Amount string
	Method string
	Target string
	Proof  string
	Type   RequestType
}

// Validate checks the draft and returns the parsed amount.
func (d RequestDraft) Validate() (decimal.Decimal, error) {
	if !d.Type.Valid() {
		return decimal.Zero, invalid("type", "unknown request type")
	}
	if strings.TrimSpace(d.Name) == "" {
		return decimal.Zero, invalid("name", "required")
	}
	if strings.TrimSpace(d.Phone) == "" {
		return decimal.Zero, invalid("phone", "required")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(d.Amount))
	if err != nil {
		return decimal.Zero, invalid("amount", "not a number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, invalid("amount", "must be positive")
	}

	switch d.Type {
	case RequestDeposit:
		if strings.TrimSpace(d.Method) == "" {
			return decimal.Zero, invalid("method", "required")
		}
		if strings.TrimSpace(d.Proof) == "" {
			return decimal.Zero, invalid("proof", "deposit requires a proof attachment")
		}
	case RequestWithdraw:
		if strings.TrimSpace(d.Method) == "" {
			return decimal.Zero, invalid("method", "required")
		}
		if strings.TrimSpace(d.Target) == "" {
			return decimal.Zero, invalid("target", "required")
		}
	case RequestCrypto:
		if strings.TrimSpace(d.Target) == "" {
			return decimal.Zero, invalid("target", "wallet address required")
		}
	}
	return amount, nil
}

// ValidateMessage checks that a chat message carries text or an image.
func ValidateMessage(text, image string) error {
	if strings.TrimSpace(text) == "" && image == "" {
		return invalid("message", "empty")
	}
	return nil
}
