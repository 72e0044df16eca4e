// Package domain holds the documents exchanged with the remote store.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Collections in the remote store.
const (
	CollectionRequests      = "requests"
	CollectionMessages      = "messages"
	CollectionNotifications = "notifications"
	CollectionUsers         = "users"
)

// Document field names used by filters and patches.
const (
	FieldID             = "id"
	FieldUserID         = "user_id"
	FieldStatus         = "status"
	FieldConversationID = "conversation_id"
	FieldCreatedAt      = "created_at"
	FieldRead           = "read"
	FieldRole           = "role"
	FieldPhone          = "phone"
	FieldLastActive     = "last_active"
)

// RequestType is the kind of transfer a user asks for.
type RequestType string

const (
	RequestDeposit  RequestType = "Deposit"
	RequestWithdraw RequestType = "Withdraw"
	RequestCrypto   RequestType = "Crypto"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestDeposit, RequestWithdraw, RequestCrypto:
		return true
	}
	return false
}

// RequestStatus is the review state of a request. Pending only ever moves to Approved or Rejected.
type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusApproved RequestStatus = "Approved"
	StatusRejected RequestStatus = "Rejected"
)

// Resolved reports whether the status is final.
func (s RequestStatus) Resolved() bool {
	return s == StatusApproved || s == StatusRejected
}

// TransactionRequest is a deposit, withdrawal or crypto request submitted by a user.
type TransactionRequest struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Target    string          `json:"target,omitempty"`
	Proof     string          `json:"proof,omitempty"`
	Type      RequestType     `json:"type"`
	Status    RequestStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Role of a chat author or account.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one immutable message in a support conversation.
// ConversationID is the id of the user the conversation belongs to.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text,omitempty"`
	Image          string    `json:"image,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Severity classifies a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SystemRecipient addresses a notification to every user.
const SystemRecipient = "system"

// AppNotification is a persisted notification-center entry.
type AppNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// UserAccount is a registered user or administrator.
type UserAccount struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Role         Role      `json:"role"`
	LastActive   time.Time `json:"last_active"`
	PasswordHash string    `json:"password_hash,omitempty"`
}

// OnlineWindow is how recently an account must have been active to count as online.
const OnlineWindow = 10 * time.Minute

// Online reports whether the account was active within OnlineWindow of now.
func (u UserAccount) Online(now time.Time) bool {
	if u.LastActive.IsZero() {
		return false
	}
	return now.Sub(u.LastActive) <= OnlineWindow
}
