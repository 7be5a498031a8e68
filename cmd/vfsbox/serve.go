package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/vfsbox/internal/executor"
	"github.com/jkaninda/vfsbox/internal/gateway/httpapi"
	"github.com/jkaninda/vfsbox/internal/ratelimit"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API for the state document",
	Long: `Serve health checks, Prometheus metrics and a read-only view of the state
document and command history. Set VFSBOX_API_KEYS (comma-separated) to require
a bearer key on /v1 routes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "enable OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	fs, err := sc.loadState()
	if err != nil {
		return err
	}
	engine, err := sc.newEngine(fs)
	if err != nil {
		return err
	}
	defer func() { _, _ = engine.Close(context.Background()) }()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := sc.newStatusServer(engine, serveAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sc.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.shutdownTimeout())
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// newStatusServer builds the status server over engine. An empty addr uses the config.
func (sc *SharedComponents) newStatusServer(engine *executor.Engine, addr string) *httpapi.Server {
	srvCfg := sc.Config.Server // nil-safe accessors
	if addr == "" {
		addr = srvCfg.ListenAddr()
	}

	cfg := httpapi.Config{
		ListenAddr:   addr,
		ReadTimeout:  srvCfg.ReadTimeout(),
		WriteTimeout: srvCfg.WriteTimeout(),
		EnableDocs:   serveDocs,
		APIKeys:      parseAPIKeys(goutils.Env("VFSBOX_API_KEYS", "")),
		HistoryLimit: srvCfg.HistoryLimit(),
	}
	if sc.Obs != nil {
		cfg.HealthChecker = sc.Obs.Health
		cfg.Metrics = sc.Obs.MetricsOrNil()
		if cfg.Metrics != nil {
			cfg.MetricsRegistry = cfg.Metrics.Registry
			if m := sc.Config.Observability.Metrics; m != nil {
				cfg.MetricsPath = m.MetricsPath()
			}
		}
		if sc.Obs.Tracer != nil {
			cfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}

	sc.Logger.Debug("status server configured",
		slog.String("addr", addr),
		slog.Bool("auth", len(cfg.APIKeys) > 0),
		slog.Bool("metrics", cfg.MetricsRegistry != nil),
	)

	rpm, burst := srvCfg.RateLimit()
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rpm, BurstSize: burst})
	return httpapi.NewServer(cfg, engine, sc.History, rl, sc.Logger)
}

func (sc *SharedComponents) shutdownTimeout() time.Duration {
	return sc.Config.Server.ShutdownTimeout()
}

// parseAPIKeys turns "key1,key2" or "name:key" pairs into a key -> caller map.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, key, ok := strings.Cut(part, ":")
		if !ok {
			name, key = fmt.Sprintf("key-%d", i+1), part
		}
		keys[key] = name
	}
	return keys
}
