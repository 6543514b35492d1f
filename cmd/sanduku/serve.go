package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/guardrail"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/policy"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/validator"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution gateway",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&serveConfigPath, "config", "c", config.DefaultConfigPath(), "Path to the configuration file")
		cmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override the configured listen port")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(goutils.Env("SANDUKU_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", servePort)
	}

	comps, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- comps.Gateway.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := comps.Gateway.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// loadConfig reads the config file, falling back to built-in defaults
// when the conventional path does not exist yet.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		logger.Info("no config file found, using defaults", slog.String("path", path))
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	logger.Info("config loaded", slog.String("path", path))
	return cfg, nil
}

// components holds everything with a lifetime tied to the process.
type components struct {
	Gateway *httpapi.Gateway

	store  session.Store
	audit  *guardrail.AuditLog
	obs    *observability.Observability
	logger *slog.Logger
}

// Cleanup tears components down in reverse dependency order.
func (c *components) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.obs.Shutdown(ctx)
	if err := c.store.Close(); err != nil {
		c.logger.Error("closing session store", slog.String("error", err.Error()))
	}
	if err := c.audit.Close(); err != nil {
		c.logger.Error("closing audit log", slog.String("error", err.Error()))
	}
}

// initComponents wires the full pipeline: policy rules, audit trail,
// guardrails, validator, sandbox, session store, coordinator, gateway.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	rules, err := policy.Load(cfg.Policy.File)
	if err != nil {
		return nil, err
	}
	logger.Info("policy loaded", slog.String("version", rules.Version()))

	audit, err := guardrail.NewAuditLog(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, err
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		audit.Close()
		return nil, err
	}

	input := guardrail.NewInput(rules, audit, guardrail.InputConfig{
		LogRejectedMessage: cfg.Policy.LogRejectedInput,
	}, logger)
	output := guardrail.NewOutput(rules, audit, logger)
	val := validator.New(rules, audit, logger)

	sbx := buildSandbox(cfg, obs, logger)
	store, err := buildStore(cfg, logger)
	if err != nil {
		audit.Close()
		return nil, err
	}

	coord := executor.New(
		input, val, output, sbx, store, audit,
		obs.MetricsOrNil(), obs.AnomalyOrNil(), obs.TracerOrNil(),
		executor.Config{
			RejectConcurrent: cfg.Session.RejectConcurrent,
			LockWait:         time.Duration(cfg.Session.LockWaitSeconds) * time.Second,
		},
		logger,
	)

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr,
		EnableDocs:     goutils.Env("SANDUKU_ENABLE_DOCS", "false") == "true",
		APIKeys:        buildAPIKeys(cfg.Server.APIKeys),
		MaxRequestSize: cfg.Server.MaxBodySize,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		registerHealthChecks(obs.Health, store, sbx)
		if obs.Metrics != nil {
			gwCfg.Metrics = obs.Metrics
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.Server.RateLimit})
	gw := httpapi.NewGateway(gwCfg, coord, store, limiter, logger)

	return &components{
		Gateway: gw,
		store:   store,
		audit:   audit,
		obs:     obs,
		logger:  logger,
	}, nil
}

// buildSandbox selects the execution strategy from config and wraps it
// with tracing and anomaly tracking when observability is on.
func buildSandbox(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) sandbox.Sandbox {
	limits := sandbox.ResourceLimits{
		MaxWallSeconds: cfg.Sandbox.MaxWallSeconds,
		MaxMemoryBytes: int64(cfg.Sandbox.MaxMemoryMB) << 20,
		MaxCPUFraction: cfg.Sandbox.MaxCPUFraction,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		FilesystemMode: sandbox.FilesystemNone,
	}
	if cfg.Sandbox.FilesystemMode == "read_only" {
		limits.FilesystemMode = sandbox.FilesystemReadOnly
	}

	var force sandbox.Strategy
	switch cfg.Sandbox.ForceStrategy {
	case "container":
		force = sandbox.StrategyContainer
	case "restricted":
		force = sandbox.StrategyRestrictedInterpreter
	}

	sbx := sandbox.New(sandbox.Config{
		Docker: sandbox.DockerConfig{
			Image:         cfg.Sandbox.Image,
			PIDsLimit:     cfg.Sandbox.PIDsLimit,
			DefaultLimits: limits,
		},
		Restricted: sandbox.RestrictedConfig{
			PythonBin:     cfg.Sandbox.PythonBin,
			DefaultLimits: limits,
		},
		ForceStrategy: force,
	}, logger)

	if obs == nil {
		return sbx
	}
	return observability.NewInstrumentedSandbox(sbx, obs.TracerOrNil(), obs.AnomalyOrNil())
}

func buildStore(cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	switch cfg.Session.Driver {
	case "sqlite":
		return session.OpenSQLite(cfg.SQLitePath(), logger)
	case "postgres":
		pg := cfg.Session.Postgres
		return session.OpenPostgres(session.PostgresConfig{
			DSN:              pg.DSN,
			MaxOpenConns:     pg.MaxOpenConns,
			MaxIdleConns:     pg.MaxIdleConns,
			ConnMaxLifetimeS: pg.ConnMaxLifetimeS,
		}, logger)
	default:
		return session.NewMemoryStore(logger), nil
	}
}

func registerHealthChecks(h *observability.HealthChecker, store session.Store, sbx sandbox.Sandbox) {
	h.AddCheck("session-store", func(ctx context.Context) error {
		_, err := store.Get(ctx, "healthcheck")
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		return nil
	})
	h.AddCheck("sandbox", func(ctx context.Context) error {
		if sbx.Strategy() == sandbox.StrategyUnavailable {
			return sandbox.ErrUnavailable
		}
		return nil
	})
}

// buildAPIKeys maps configured bearer tokens to stable client IDs for
// rate limiting and log correlation.
func buildAPIKeys(keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		m[k] = fmt.Sprintf("client-%d", i+1)
	}
	return m
}
