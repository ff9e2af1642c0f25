// Command teamctx signs in to the identity provider and shows or changes the
// caller's current team on the teams backend.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hatemosphere/teamctx/internal/config"
	"github.com/hatemosphere/teamctx/internal/identity"
	"github.com/hatemosphere/teamctx/internal/session"
	"github.com/hatemosphere/teamctx/internal/storage"
	"github.com/hatemosphere/teamctx/internal/teamapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.ClientConfig{}
	root := &cobra.Command{
		Use:           "teamctx",
		Short:         "Show and switch your current team",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Finalize(); err != nil {
				return err
			}
			slog.SetDefault(slog.New(newLogHandler(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)))
			return nil
		},
	}
	cfg.RegisterFlags(root.PersistentFlags())
	root.AddCommand(
		newStatusCmd(cfg),
		newSwitchCmd(cfg),
		newLogoutCmd(cfg),
		newLoginCmd(cfg),
		newWatchCmd(cfg),
	)
	return root
}

func newLogHandler(w io.Writer, format, level string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// app wires a session store to the configured identity provider and backend.
type app struct {
	cfg      *config.ClientConfig
	provider identity.Provider
	oidc     *identity.OIDCProvider // nil when signed in with a static token
	store    *session.Store
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.ClientConfig) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.OIDCIssuer != "" {
		sessions, err := a.openSessionStore()
		if err != nil {
			a.Close()
			return nil, err
		}
		p, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Scopes:       cfg.OIDCScopes,
		}, sessions)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.provider, a.oidc = p, p
	} else {
		p, err := identity.NewTokenProvider(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		a.provider = p
	}

	var opts []teamapi.Option
	if cfg.Gzip {
		opts = append(opts, teamapi.WithGzip())
	}
	a.store = session.New(a.provider, teamapi.New(cfg.APIURL, opts...))
	// Runs first on Close: in-flight loads stop before their storage goes away.
	a.closers = append([]func(){a.store.Close}, a.closers...)
	return a, nil
}

func (a *app) openSessionStore() (storage.SessionStore, error) {
	var key []byte
	if a.cfg.SessionKey != "" {
		var err error
		if key, err = storage.ParseSessionKey(a.cfg.SessionKey); err != nil {
			return nil, err
		}
	}

	var sessions storage.SessionStore
	if a.cfg.SessionRedis != "" {
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.SessionRedis})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		sessions = storage.NewRedisSessionStore(rdb, "")
	} else {
		if err := os.MkdirAll(filepath.Dir(a.cfg.SessionDB), 0o700); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		db, err := storage.NewSQLiteStore(a.cfg.SessionDB)
		if err != nil {
			return nil, fmt.Errorf("open session database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		sessions = db
	}

	if key == nil {
		return sessions, nil
	}
	return storage.NewSealedSessionStore(sessions, key)
}

func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}
