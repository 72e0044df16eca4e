// Package demo seeds a store with a small working data set: one customer, one
// administrator and a handful of resolved and pending requests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/transferdesk/internal/auth"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
)

// Demo credentials.
const (
	CustomerName  = "Amal Haddad"
	CustomerPhone = "0912345678"
	AdminName     = "Support Desk"
	AdminPhone    = "0911000000"
	Secret        = "demo-pass"
)

// Accounts are the seeded accounts.
type Accounts struct {
	Customer domain.UserAccount
	Admin    domain.UserAccount
}

type sample struct {
	typ    domain.RequestType
	status domain.RequestStatus
	amount int64
	method string
	age    time.Duration
}

var samples = []sample{
	{domain.RequestDeposit, domain.StatusApproved, 20000, "bank", 72 * time.Hour},
	{domain.RequestDeposit, domain.StatusRejected, 8500, "bank", 48 * time.Hour},
	{domain.RequestWithdraw, domain.StatusApproved, 1000, "wallet", 30 * time.Hour},
	{domain.RequestCrypto, domain.StatusApproved, 120, "usdt", 26 * time.Hour},
	{domain.RequestDeposit, domain.StatusPending, 2500, "bank", 2 * time.Hour},
}

// Seed registers the demo accounts and their request history. Accounts that already
// exist are reused, and their history is left untouched.
func Seed(ctx context.Context, dir *auth.Directory, st store.Store, clk clock.Clock) (Accounts, error) {
	clk = clock.OrReal(clk)
	var out Accounts

	customer, fresh, err := ensure(ctx, dir, CustomerName, CustomerPhone)
	if err != nil {
		return out, err
	}
	admin, _, err := ensure(ctx, dir, AdminName, AdminPhone)
	if err != nil {
		return out, err
	}
	if admin.Role != domain.RoleAdmin {
		if err := dir.SetRole(ctx, admin.ID, domain.RoleAdmin); err != nil {
			return out, err
		}
		admin.Role = domain.RoleAdmin
	}
	out = Accounts{Customer: customer, Admin: admin}
	if !fresh {
		return out, nil
	}

	now := clk.Now().UTC()
	for _, s := range samples {
		req := domain.TransactionRequest{
			UserID:    customer.ID,
			Name:      customer.Name,
			Phone:     customer.Phone,
			Amount:    decimal.NewFromInt(s.amount),
			Method:    s.method,
			Type:      s.typ,
			Status:    s.status,
			CreatedAt: now.Add(-s.age),
		}
		if s.typ == domain.RequestDeposit {
			req.Proof = "receipt.jpg"
		} else {
			req.Target = "acct-" + customer.Phone
		}
		if _, err := st.Insert(ctx, domain.CollectionRequests, req); err != nil {
			return out, fmt.Errorf("seed request: %w", err)
		}
	}

	welcome := domain.ChatMessage{
		ConversationID: customer.ID,
		Role:           domain.RoleAdmin,
		Text:           "Welcome! Ask us anything about your transfers.",
		CreatedAt:      now.Add(-time.Hour),
	}
	if _, err := st.Insert(ctx, domain.CollectionMessages, welcome); err != nil {
		return out, fmt.Errorf("seed message: %w", err)
	}
	return out, nil
}

// ensure registers name/phone, or logs in when the account already exists. fresh
// reports whether the account was created by this call.
func ensure(ctx context.Context, dir *auth.Directory, name, phone string) (domain.UserAccount, bool, error) {
	u, err := dir.Register(ctx, name, phone, Secret)
	switch {
	case err == nil:
		return u, true, nil
	case errors.Is(err, auth.ErrAlreadyRegistered):
		u, err = dir.FindUser(ctx, auth.IdentifierVariants(phone), Secret)
		if err != nil {
			return domain.UserAccount{}, false, fmt.Errorf("seed %s: %w", phone, err)
		}
		return u, false, nil
	default:
		return domain.UserAccount{}, false, fmt.Errorf("seed %s: %w", phone, err)
	}
}
