// Package main runs one transferdesk session, user or administrator, and serves its
// screen over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	app "github.com/R3E-Network/transferdesk/internal/app"
	"github.com/R3E-Network/transferdesk/internal/app/httpapi"
	"github.com/R3E-Network/transferdesk/internal/assistant"
	"github.com/R3E-Network/transferdesk/internal/auth"
	"github.com/R3E-Network/transferdesk/internal/config"
	"github.com/R3E-Network/transferdesk/internal/demo"
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/drafts"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/internal/store/memory"
	supabasestore "github.com/R3E-Network/transferdesk/internal/store/supabase"
	"github.com/R3E-Network/transferdesk/pkg/logger"
	"github.com/R3E-Network/transferdesk/supabase/client"
)

// screen is the part of a user or admin screen the process drives.
type screen interface {
	Start(ctx context.Context) error
	Close()
}

func main() {
	var (
		envFile   = flag.String("env", ".env", "Path to an optional .env file")
		role      = flag.String("role", "user", "Session role: user|admin")
		phone     = flag.String("phone", "", "Login phone number (demo account when empty in memory mode)")
		secret    = flag.String("secret", "", "Login secret")
		register  = flag.String("register", "", "Register a new account with this display name before logging in")
		auditFile = flag.String("audit-file", "", "Append served actions to this JSONL file")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("transferdesk", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, session{
		role: domain.Role(*role), phone: *phone, secret: *secret, register: *register, auditFile: *auditFile,
	}); err != nil {
		log.WithError(err).Fatal("transferdesk stopped")
	}
}

type session struct {
	role      domain.Role
	phone     string
	secret    string
	register  string
	auditFile string
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, sess session) error {
	if sess.role != domain.RoleUser && sess.role != domain.RoleAdmin {
		return fmt.Errorf("unknown role %q", sess.role)
	}

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	dir := auth.NewDirectory(st, auth.Options{Logger: log})
	user, err := login(ctx, cfg, dir, st, sess)
	if err != nil {
		return err
	}
	if user.Role != sess.role {
		return fmt.Errorf("account %s has role %s, not %s", user.ID, user.Role, sess.role)
	}

	ds, closeDrafts, err := openDrafts(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDrafts()

	gen, err := openGenerator(cfg)
	if err != nil {
		return err
	}

	shell := app.NewShell(st, user, app.Options{
		Tuning:    cfg.Tuning,
		Logger:    log,
		Generator: gen,
		Drafts:    ds,
	})
	defer shell.Close()

	var audit io.Writer
	if sess.auditFile != "" {
		f, err := os.OpenFile(sess.auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		defer f.Close()
		audit = f
	}
	opts := httpapi.Options{
		Logger:         log,
		AuditSink:      audit,
		AllowedOrigins: cfg.CORSOrigins,
		ActionRate:     cfg.Tuning.ActionRate,
		ActionBurst:    cfg.Tuning.ActionBurst,
	}

	var (
		scr     screen
		handler http.Handler
	)
	if sess.role == domain.RoleAdmin {
		s := app.NewAdminScreen(shell)
		scr, handler = s, httpapi.NewAdminHandler(s, opts)
	} else {
		s := app.NewUserScreen(shell)
		scr, handler = s, httpapi.NewUserHandler(s, opts)
	}
	if err := scr.Start(ctx); err != nil {
		return err
	}
	defer scr.Close()
	if err := shell.StartPresence(); err != nil {
		log.WithError(err).Warn("presence heartbeat not started")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]any{
			"addr": cfg.ListenAddr,
			"role": sess.role,
			"user": user.ID,
			"mode": cfg.Mode,
		}).Info("session listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	return nil
}

func openStore(cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.Mode {
	case config.ModeSupabase:
		rest, err := client.New(client.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		if err != nil {
			return nil, nil, fmt.Errorf("supabase client: %w", err)
		}
		st := supabasestore.New(rest, supabasestore.Options{
			ReadRate:  rate.Limit(cfg.Tuning.ReadRate),
			ReadBurst: 5,
			Logger:    log,
		})
		return st, func() { _ = st.Close() }, nil
	default:
		mem := memory.New()
		return mem, mem.Close, nil
	}
}

// login resolves the session's account. In memory mode the demo data set is seeded
// first and the demo account for the role is used when no phone is given.
func login(ctx context.Context, cfg *config.Config, dir *auth.Directory, st store.Store, sess session) (domain.UserAccount, error) {
	if cfg.Mode == config.ModeMemory {
		accounts, err := demo.Seed(ctx, dir, st, nil)
		if err != nil {
			return domain.UserAccount{}, err
		}
		if sess.phone == "" && sess.register == "" {
			if sess.role == domain.RoleAdmin {
				return accounts.Admin, nil
			}
			return accounts.Customer, nil
		}
	}

	if sess.register != "" {
		return dir.Register(ctx, sess.register, sess.phone, sess.secret)
	}
	return dir.FindUser(ctx, auth.IdentifierVariants(sess.phone), sess.secret)
}

func openDrafts(ctx context.Context, cfg *config.Config, log *logger.Logger) (drafts.Store, func(), error) {
	if cfg.RedisURL == "" {
		return drafts.NewMemory(), func() {}, nil
	}
	r, err := drafts.NewRedis(cfg.RedisURL, drafts.DefaultTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis drafts: %w", err)
	}
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, nil, fmt.Errorf("redis drafts: %w", err)
	}
	log.Info("draft storage on redis")
	return r, func() { _ = r.Close() }, nil
}

func openGenerator(cfg *config.Config) (assistant.Generator, error) {
	if cfg.AssistantURL == "" {
		return nil, nil
	}
	gen, err := assistant.NewHTTPGenerator(assistant.HTTPConfig{
		URL:    cfg.AssistantURL,
		APIKey: cfg.AssistantKey,
		Rate:   cfg.Tuning.AssistantRate,
		Burst:  cfg.Tuning.AssistantBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("assistant: %w", err)
	}
	return gen, nil
}
