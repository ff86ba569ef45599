// Command controlplane is the composition root: it wires the Run State
// Engine, Idempotency & Locking layer, Agent Pipeline Orchestrator, Approval
// & Capability Gate, and Reliability kernel behind an HTTP server, using a
// zap logger, signal-driven graceful shutdown, and a cobra root command with
// a persistent --config flag.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/approval"
	"github.com/runforge/controlplane/internal/audit"
	"github.com/runforge/controlplane/internal/capability/connector"
	"github.com/runforge/controlplane/internal/capability/llm"
	"github.com/runforge/controlplane/internal/capability/llm/anthropic"
	"github.com/runforge/controlplane/internal/capability/llm/google"
	"github.com/runforge/controlplane/internal/capability/llm/openai"
	"github.com/runforge/controlplane/internal/config"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/httpapi"
	"github.com/runforge/controlplane/internal/idempotency"
	"github.com/runforge/controlplane/internal/logging"
	"github.com/runforge/controlplane/internal/metrics"
	"github.com/runforge/controlplane/internal/orchestrator"
	"github.com/runforge/controlplane/internal/reliability/breaker"
	"github.com/runforge/controlplane/internal/reliability/ratelimit"
	"github.com/runforge/controlplane/internal/reliability/retry"
	"github.com/runforge/controlplane/internal/run"
	"github.com/runforge/controlplane/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var devLogging bool

	cmd := &cobra.Command{
		Use:           "controlplane",
		Short:         "Multi-tenant AI pipeline control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "controlplane.yml", "path to controlplane.yml")
	cmd.PersistentFlags().BoolVar(&devLogging, "dev", false, "use development (console) logging")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "controlplane %s (%s)\n", version, commit)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, devLogging)
		},
	})

	return cmd
}

func serve(configPath string, devLogging bool) error {
	logger, err := logging.New(devLogging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to build storage", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	promMetrics := metrics.New(registry)

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		logger.Warn("tracing exporter unavailable, continuing without it", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	bus := eventbus.NewFanoutBus(eventbus.NewMemBus(), eventbus.NewOTelBus(otel.Tracer("controlplane")))
	auditLog := audit.New(store, bus, nil)
	engine := run.New(store, auditLog, bus, nil)
	guard := idempotency.New(store)
	locks := idempotency.NewLockManager(store, cfg.RunLockTTL, nil)

	conn := buildConnector()

	keys := buildApproverKeys(cfg)
	gate := approval.New(store, bus, keys, cfg.Approval.TTL, nil, engine, conn)

	models, err := buildModels(cfg)
	if err != nil {
		logger.Fatal("failed to configure model capabilities", zap.Error(err))
	}

	limiter, err := buildRateLimiter(cfg.RateLimit)
	if err != nil {
		logger.Fatal("failed to configure rate limiter", zap.Error(err))
	}
	breakers := breaker.New(breaker.DefaultConfig)

	orch := orchestrator.New(engine, gate, orchestrator.DefaultRegistry(), models, retry.Standard, limiter, breakers, promMetrics, locks, conn, nil)
	gate.SetResumer(orch)

	secrets := buildWebhookSecrets(cfg)
	server := httpapi.New(engine, guard, gate, orch, secrets, promMetrics, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc("@every 1m", func() {
		expiredRunIDs, err := gate.SweepExpired(context.Background())
		if err != nil {
			logger.Warn("approval sweep failed", zap.Error(err))
			return
		}
		if len(expiredRunIDs) > 0 {
			logger.Info("failed runs on approval expiry", zap.Strings("runIds", expiredRunIDs))
		}
	})
	if err != nil {
		logger.Fatal("failed to schedule approval sweep", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info("starting control plane", zap.String("addr", cfg.ListenAddr), zap.String("version", version))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// setupTracing wires an OTLP/gRPC exporter into an SDK tracer provider and
// registers it as the global tracer provider, so eventbus.OTelBus's spans
// flow to a collector. The exporter dials lazily, so construction never
// blocks startup when no collector is reachable.
func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("build otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemStore(), nil
	case "postgres":
		dsn, err := config.ResolveSecret(cfg.DSNEnv, true)
		if err != nil {
			return nil, err
		}
		s, err := storage.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, s.Migrate(ctx)
	case "mysql":
		dsn, err := config.ResolveSecret(cfg.DSNEnv, true)
		if err != nil {
			return nil, err
		}
		return storage.NewMySQLStore(ctx, dsn)
	case "sqlite":
		dsn, err := config.ResolveSecret(cfg.DSNEnv, true)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("config: unknown storage driver %q", cfg.Driver)
	}
}

func buildModels(cfg config.Config) (map[llm.ModelTier]llm.Capability, error) {
	anthropicKey, _ := config.ResolveSecret("ANTHROPIC_API_KEY", false)
	openaiKey, _ := config.ResolveSecret("OPENAI_API_KEY", false)
	googleKey, _ := config.ResolveSecret("GOOGLE_API_KEY", false)

	if anthropicKey == "" && openaiKey == "" && googleKey == "" {
		return nil, fmt.Errorf("config: no model provider api key configured")
	}

	models := map[llm.ModelTier]llm.Capability{}
	switch {
	case anthropicKey != "":
		c := anthropic.New(anthropicKey)
		models[llm.TierFast] = c
		models[llm.TierStandard] = c
		models[llm.TierDeep] = c
	case openaiKey != "":
		c := openai.New(openaiKey)
		models[llm.TierFast] = c
		models[llm.TierStandard] = c
		models[llm.TierDeep] = c
	case googleKey != "":
		c := google.New(googleKey)
		models[llm.TierFast] = c
		models[llm.TierStandard] = c
		models[llm.TierDeep] = c
	}
	return models, nil
}

// buildRateLimiter wires a two-tier sliding-window limiter from cfg.
// RedisAddrEnv, when set, switches to a Redis-backed store so the window is
// shared across replicas; otherwise each process enforces its own in-memory
// window.
func buildRateLimiter(cfg config.RateLimitConfig) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	if cfg.RedisAddrEnv != "" {
		addr, err := config.ResolveSecret(cfg.RedisAddrEnv, true)
		if err != nil {
			return nil, err
		}
		store = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
	} else {
		store = ratelimit.NewMemStore()
	}
	return ratelimit.New(store, cfg.TenantLimit, cfg.TenantWindow, cfg.GlobalLimit, cfg.GlobalWindow), nil
}

// buildConnector wires a real GitHub connector when a token is configured,
// falling back to the in-memory Mock so a deployment without VCS
// credentials still runs (non-destructive mutations and tests keep
// working; destructive ones will simply record a mock reference).
func buildConnector() connector.Connector {
	token, _ := config.ResolveSecret("GITHUB_TOKEN", false)
	if token == "" {
		return &connector.Mock{}
	}
	return connector.NewGitHub(token)
}

func buildApproverKeys(cfg config.Config) approval.KeyLookup {
	return func(tenantID, approver string) ([]byte, map[domain.Capability]bool, bool) {
		key, err := config.ResolveSecret(fmt.Sprintf("APPROVER_%s_KEY", approver), false)
		if err != nil || key == "" {
			return nil, nil, false
		}
		all := map[domain.Capability]bool{
			domain.CapabilityComment: true, domain.CapabilityCreateBranch: true,
			domain.CapabilityPushCommit: true, domain.CapabilityOpenPR: true,
			domain.CapabilityUpdatePR: true, domain.CapabilityMerge: true,
		}
		return []byte(key), all, true
	}
}

func buildWebhookSecrets(cfg config.Config) httpapi.WebhookSecretLookup {
	return func(source string) ([]byte, string, bool) {
		envVar, ok := cfg.Webhooks[source]
		if !ok {
			return nil, "", false
		}
		secret, err := config.ResolveSecret(envVar, true)
		if err != nil {
			return nil, "", false
		}
		return []byte(secret), source, true
	}
}

// exitCodeFor maps an apperr.Kind to the process exit code bands: 10-19
// validation, 20-29 policy-denied, 30-39 capability/network, 40-49 internal.
func exitCodeFor(err error) int {
	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	}
	if ae == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(os.Stderr, ae.Error())
	switch ae.Kind {
	case apperr.Validation:
		return 10
	case apperr.PolicyDenied, apperr.ApprovalRequired, apperr.ApprovalInvalid, apperr.LockConflict:
		return 20
	case apperr.Timeout, apperr.Transient:
		return 30
	default:
		return 40
	}
}
