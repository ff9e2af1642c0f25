package main

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/hatemosphere/teamctx/internal/api"
	"github.com/hatemosphere/teamctx/internal/audit"
	"github.com/hatemosphere/teamctx/internal/auth"
	"github.com/hatemosphere/teamctx/internal/backup"
	"github.com/hatemosphere/teamctx/internal/config"
	"github.com/hatemosphere/teamctx/internal/storage"
)

func main() {
	cfg := config.Parse()

	slog.SetDefault(slog.New(newLogHandler(cfg.LogFormat, cfg.LogLevel)))
	if !cfg.AuditLogs {
		audit.Enabled = false
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}

	if cfg.SeedPath != "" {
		seed, err := storage.LoadSeed(cfg.SeedPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load seed: %v\n", err)
			os.Exit(1)
		}
		if err := seed.Apply(context.Background(), store); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply seed: %v\n", err)
			os.Exit(1)
		}
	}

	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		UserIDClaim: cfg.JWTUserIDClaim,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT authenticator: %v\n", err)
		os.Exit(1)
	}

	var serverOpts []api.ServerOption
	if cfg.MembershipCacheSize > 0 {
		cache, err := auth.NewMembershipCache(store, cfg.MembershipCacheSize, cfg.MembershipCacheTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create membership cache: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, api.WithMembershipCache(cache))
	}
	if cfg.TokenSigningKey != "" {
		issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{
			SigningKey: cfg.TokenSigningKey,
			Issuer:     cfg.TokenIssuer,
			Audience:   cfg.JWTAudience,
			TTL:        cfg.TokenTTL,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create token issuer: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, api.WithTokenIssuer(issuer))
		slog.Info("team tokens enabled", "issuer", cfg.TokenIssuer, "ttl", cfg.TokenTTL)
	}

	api.RegisterTeamsGauge(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := store.CountActiveTeams(ctx)
		if err != nil {
			slog.Warn("failed to count active teams", "error", err)
			return 0
		}
		return float64(n)
	})

	var backups *backup.Runner
	if cfg.BackupDir != "" {
		var dests []backup.Destination
		if cfg.BackupS3Bucket != "" {
			s3Dest, err := backup.NewS3Destination(context.Background(), backup.S3Config{
				Bucket:         cfg.BackupS3Bucket,
				Region:         cfg.BackupS3Region,
				Endpoint:       cfg.BackupS3Endpoint,
				Prefix:         cfg.BackupS3Prefix,
				ForcePathStyle: cfg.BackupS3ForcePathStyle,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create S3 backup destination: %v\n", err)
				os.Exit(1)
			}
			dests = append(dests, s3Dest)
			slog.Info("S3 backup enabled", "bucket", cfg.BackupS3Bucket, "prefix", cfg.BackupS3Prefix)
		}
		backups, err = backup.NewRunner(store, backup.Config{
			Dir:          cfg.BackupDir,
			Interval:     cfg.BackupInterval,
			Retention:    cfg.BackupRetention,
			Destinations: dests,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to set up backups: %v\n", err)
			os.Exit(1)
		}
		slog.Info("database backups enabled", "dir", cfg.BackupDir, "interval", cfg.BackupInterval, "retention", cfg.BackupRetention)
	}

	var tp *sdktrace.TracerProvider
	if cfg.OTelServiceName != "" {
		tp, err = initTracer(context.Background(), cfg.OTelServiceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize OpenTelemetry: %v\n", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry tracing enabled", "service", cfg.OTelServiceName)
	}

	srv := api.NewServer(store, jwtAuth, serverOpts...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "error")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})
	var handler http.Handler = srv.Router()
	if tp != nil {
		handler = otelhttp.NewHandler(handler, "teamctx-server")
	}
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("teams backend starting", "addr", cfg.Addr, "db", cfg.DBPath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-done

	if backups != nil {
		backups.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if _, err := backups.RunOnce(ctx); err != nil {
			slog.Error("final backup failed", "error", err)
		}
		cancel()
	}
	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("tracer provider shutdown error", "error", err)
		}
	}
	store.Close()
	slog.Info("shutdown complete")
}

func newLogHandler(format, level string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = stdjson.NewEncoder(w).Encode(map[string]string{"status": status})
}

// initTracer sets up an OTLP/HTTP trace exporter. The endpoint comes from the
// standard OTEL_EXPORTER_OTLP_ENDPOINT variable (default localhost:4318).
func initTracer(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}
