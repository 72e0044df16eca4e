// Package auth looks up accounts by phone identifier and checks their secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/clock"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAlreadyRegistered  = errors.New("auth: phone already registered")
)

// Directory is the credential lookup over the users collection.
type Directory struct {
	st    store.Store
	cost  int
	clock clock.Clock
	log   *logger.Logger
}

// Options configure a Directory.
type Options struct {
	// Cost is the bcrypt cost for new secrets.
	Cost   int
	Clock  clock.Clock
	Logger *logger.Logger
}

// NewDirectory creates a directory backed by st.
func NewDirectory(st store.Store, opts Options) *Directory {
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	return &Directory{
		st:    st,
		cost:  opts.Cost,
		clock: clock.OrReal(opts.Clock),
		log:   logger.OrDefault(opts.Logger, "auth"),
	}
}

// IdentifierVariants returns the spellings under which a phone number may have been
// stored: as typed, digits only, with a leading plus, and without a national zero.
func IdentifierVariants(phone string) []string {
	raw := strings.TrimSpace(phone)
	if raw == "" {
		return nil
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)

	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	add(raw)
	add(digits)
	if digits != "" {
		add("+" + digits)
	}
	if trimmed := strings.TrimLeft(digits, "0"); trimmed != digits {
		add(trimmed)
	}
	return out
}

// FindUser returns the account stored under any of the identifier variants whose
// secret matches. The password hash is cleared on the returned account.
func (d *Directory) FindUser(ctx context.Context, variants []string, secret string) (domain.UserAccount, error) {
	candidates, err := d.lookup(ctx, variants)
	if err != nil {
		return domain.UserAccount{}, err
	}
	for _, u := range candidates {
		if u.PasswordHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(secret)) == nil {
			u.PasswordHash = ""
			return u, nil
		}
	}
	d.log.WithField("candidates", len(candidates)).Info("login rejected")
	return domain.UserAccount{}, ErrInvalidCredentials
}

// Register creates a user account with a hashed secret.
func (d *Directory) Register(ctx context.Context, name, phone, secret string) (domain.UserAccount, error) {
	if strings.TrimSpace(name) == "" {
		return domain.UserAccount{}, &domain.ValidationError{Field: "name", Reason: "required"}
	}
	variants := IdentifierVariants(phone)
	if len(variants) == 0 {
		return domain.UserAccount{}, &domain.ValidationError{Field: "phone", Reason: "required"}
	}
	if len(secret) < 6 {
		return domain.UserAccount{}, &domain.ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}

	existing, err := d.lookup(ctx, variants)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if len(existing) > 0 {
		return domain.UserAccount{}, ErrAlreadyRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), d.cost)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash secret: %w", err)
	}
	u := domain.UserAccount{
		Name:         strings.TrimSpace(name),
		Phone:        variants[0],
		Role:         domain.RoleUser,
		LastActive:   d.clock.Now().UTC(),
		PasswordHash: string(hash),
	}
	id, err := d.st.Insert(ctx, domain.CollectionUsers, u)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("register: %w", err)
	}
	u.ID = id
	u.PasswordHash = ""
	d.log.WithField("user_id", id).Info("user registered")
	return u, nil
}

// SetRole changes an account's role.
func (d *Directory) SetRole(ctx context.Context, userID string, role domain.Role) error {
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return &domain.ValidationError{Field: "role", Reason: "must be user or admin"}
	}
	if err := d.st.Update(ctx, domain.CollectionUsers, userID, map[string]any{domain.FieldRole: string(role)}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	d.log.WithFields(map[string]any{"user_id": userID, "role": role}).Info("role changed")
	return nil
}

// TouchLastActive stamps the account as active now.
func (d *Directory) TouchLastActive(ctx context.Context, userID string) error {
	return d.st.Update(ctx, domain.CollectionUsers, userID, map[string]any{
		domain.FieldLastActive: d.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (d *Directory) lookup(ctx context.Context, variants []string) ([]domain.UserAccount, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	vals := make([]any, len(variants))
	for i, v := range variants {
		vals[i] = v
	}
	docs, err := d.st.GetOnce(ctx, store.Query{
		Collection: domain.CollectionUsers,
		Filters:    []store.Filter{store.In(domain.FieldPhone, vals...)},
		Limit:      5,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	users := make([]domain.UserAccount, 0, len(docs))
	for _, doc := range docs {
		var u domain.UserAccount
		if err := doc.Decode(&u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
