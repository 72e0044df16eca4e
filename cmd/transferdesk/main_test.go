package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transferdesk/internal/auth"
	"github.com/R3E-Network/transferdesk/internal/config"
	"github.com/R3E-Network/transferdesk/internal/demo"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/drafts"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{Mode: config.ModeMemory, Tuning: config.DefaultTuning()}
}

func TestLogin_DemoAccounts(t *testing.T) {
	cfg := memoryConfig()
	st, closeStore, err := openStore(cfg, logger.NewDiscard())
	require.NoError(t, err)
	defer closeStore()
	dir := auth.NewDirectory(st, auth.Options{Logger: logger.NewDiscard()})
	ctx := context.Background()

	admin, err := login(ctx, cfg, dir, st, session{role: domain.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, admin.Role)

	user, err := login(ctx, cfg, dir, st, session{role: domain.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, user.Role)

	byPhone, err := login(ctx, cfg, dir, st, session{role: domain.RoleUser, phone: demo.CustomerPhone, secret: demo.Secret})
	require.NoError(t, err)
	assert.Equal(t, user.ID, byPhone.ID)

	_, err = login(ctx, cfg, dir, st, session{role: domain.RoleUser, phone: demo.CustomerPhone, secret: "wrong-secret"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLogin_Register(t *testing.T) {
	cfg := memoryConfig()
	st, closeStore, err := openStore(cfg, logger.NewDiscard())
	require.NoError(t, err)
	defer closeStore()
	dir := auth.NewDirectory(st, auth.Options{Logger: logger.NewDiscard()})

	u, err := login(context.Background(), cfg, dir, st, session{
		role: domain.RoleUser, phone: "0933111222", secret: "s3cret!", register: "Sami",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sami", u.Name)
	assert.Equal(t, domain.RoleUser, u.Role)
}

func TestOpenHelpers_Defaults(t *testing.T) {
	cfg := memoryConfig()

	gen, err := openGenerator(cfg)
	require.NoError(t, err)
	assert.Nil(t, gen)

	ds, closeDrafts, err := openDrafts(context.Background(), cfg, logger.NewDiscard())
	require.NoError(t, err)
	defer closeDrafts()
	assert.IsType(t, &drafts.Memory{}, ds)
}

func TestRun_RejectsUnknownRole(t *testing.T) {
	err := run(context.Background(), memoryConfig(), logger.NewDiscard(), session{role: "root"})
	assert.Error(t, err)
}
