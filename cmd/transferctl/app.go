package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transferclient/config"
	"transferclient/internal/apiclient"
	"transferclient/internal/credential"
	"transferclient/internal/observability"
	"transferclient/internal/retry"
	"transferclient/internal/session"
	"transferclient/internal/streaming"
	"transferclient/internal/transfer"
)

// app wires the engines for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	store    credential.Store
	hooks    observability.Hooks
	registry *prometheus.Registry
	api      *apiclient.Client
	engine   *transfer.Engine
	streams  *streaming.Factory
	checker  *session.Checker
	policy   retry.Policy
}

func newApp(cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) (*app, error) {
	store, err := newStore(cfg.Auth)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		in:     in,
		out:    out,
		store:  store,
		hooks:  observability.Noop{},
	}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector())
		a.hooks = observability.NewPrometheusHooks(a.registry)
	}

	a.api = apiclient.New(apiclient.Config{
		BaseURL: cfg.Client.BaseURL,
		APIRoot: cfg.Client.APIRoot,
		Timeout: cfg.Client.Timeout,
	}, credential.FromStore(store), apiclient.WithLogger(logger), apiclient.WithHooks(a.hooks))

	a.engine = transfer.New(a.api,
		transfer.WithConfig(transfer.Config{
			UploadPath:   cfg.Transfer.UploadPath,
			DownloadPath: cfg.Transfer.DownloadPath,
		}),
		transfer.WithLogger(logger),
		transfer.WithHooks(a.hooks),
	)
	a.streams = streaming.New(a.api, streaming.WithLogger(logger))
	a.checker = session.NewChecker(a.api)
	a.policy = retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
		Logger:      logger,
		Hooks:       a.hooks,
	}
	return a, nil
}

// newStore picks the credential store: a fixed token lives only in memory,
// otherwise redis when configured, otherwise a file under the user config dir.
func newStore(cfg config.AuthConfig) (credential.Store, error) {
	switch {
	case cfg.Token != "":
		return credential.NewMemoryStore(cfg.Token), nil
	case cfg.RedisURL != "":
		store, err := credential.NewRedisStore(credential.RedisConfig{URL: cfg.RedisURL, Key: cfg.RedisKey})
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		return store, nil
	default:
		path := cfg.TokenFile
		if path == "" {
			path = defaultTokenFile()
		}
		return credential.NewFileStore(path), nil
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".transferctl-token.json"
	}
	return filepath.Join(dir, "transferctl", "token.json")
}

// serveMetrics exposes /metrics until ctx is done, when metrics are enabled
// and an address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.registry == nil || a.cfg.Metrics.Address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("serving metrics", "address", a.cfg.Metrics.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) Close() error {
	return a.store.Close()
}
