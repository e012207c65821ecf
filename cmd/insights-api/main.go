package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/insights/internal/executor"
	"github.com/malbeclabs/insights/internal/insights"
	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/logger"
	"github.com/malbeclabs/insights/internal/narration"
	"github.com/malbeclabs/insights/internal/planner"
	"github.com/malbeclabs/insights/internal/server"
	"github.com/malbeclabs/insights/internal/warehouse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr             = ":8080"
	defaultMetricsAddr            = ":2112"
	defaultMetricsShutdownTimeout = 10 * time.Second
	defaultServerShutdownTimeout  = 30 * time.Second
	warehousePingTimeout          = 5 * time.Second
	warehouseStartupTimeout       = 2 * time.Minute
)

// BuildInfo is a Prometheus gauge for build metadata.
var BuildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "insights_api_build_info",
		Help: "Build information for insights-api",
	},
	[]string{"version", "commit", "date"},
)

func init() {
	prometheus.MustRegister(BuildInfo)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr, defaultMetricsShutdownTimeout)
	}

	src, err := openWarehouse(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := waitForWarehouse(ctx, log, src); err != nil {
		return err
	}
	if cfg.Migrate {
		if err := warehouse.RunMigrations(ctx, log, src); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	llmClient, err := llm.NewAnthropicClient(&llm.AnthropicConfig{
		Logger: log,
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:  anthropic.Model(cfg.AnthropicModel),
	})
	if err != nil {
		return fmt.Errorf("failed to create anthropic client: %w", err)
	}
	if !llmClient.Enabled() {
		log.Warn("ANTHROPIC_API_KEY is not set, questions will fail with 503")
	}

	plan, err := planner.New(&planner.Config{Logger: log, LLM: llmClient})
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}
	exec, err := executor.New(&executor.Config{Logger: log, Source: src, PoolSize: cfg.MaxConcurrency})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	defer exec.Close()
	narrator, err := narration.New(&narration.Config{Logger: log, LLM: llmClient})
	if err != nil {
		return fmt.Errorf("failed to create narrator: %w", err)
	}

	orchestrator, err := insights.New(&insights.Config{
		Logger:         log,
		Planner:        plan,
		Executor:       exec,
		Narrator:       narrator,
		Metrics:        insights.NewMetrics(prometheus.DefaultRegisterer),
		PlanTTL:        cfg.PlanCacheTTL,
		ResultTTL:      cfg.ResultCacheTTL,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orchestrator.Close()

	srv, err := server.New(&server.Config{
		Logger:         log,
		Insights:       orchestrator,
		Warehouse:      src,
		AllowedOrigins: cfg.CORSOrigins,
		Metrics:        server.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting insights-api",
		"listen_addr", cfg.ListenAddr,
		"warehouse", cfg.Warehouse,
		"model", cfg.AnthropicModel,
		"version", version,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	for {
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("api server error: %w", err)
			}
			return nil
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			metricsErrCh = nil
		case <-ctx.Done():
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), defaultServerShutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			return nil
		}
	}
}

func openWarehouse(ctx context.Context, log *slog.Logger, cfg Config) (*warehouse.Source, error) {
	switch cfg.Warehouse {
	case "clickhouse":
		src, err := warehouse.NewClickHouseSource(
			warehouse.WithClickHouseAddr(cfg.ClickHouseAddr),
			warehouse.WithClickHouseDatabase(cfg.ClickHouseDB),
			warehouse.WithClickHouseUser(cfg.ClickHouseUser),
			warehouse.WithClickHousePassword(cfg.ClickHousePassword),
			warehouse.WithClickHouseTLSDisabled(cfg.ClickHouseTLSDisabled),
			warehouse.WithClickHouseLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse source: %w", err)
		}
		return src, nil
	case "duckdb":
		src, err := warehouse.NewDuckDBSource(ctx, log, cfg.DuckDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create duckdb source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown warehouse: %s", cfg.Warehouse)
	}
}

// waitForWarehouse pings the warehouse with exponential backoff until it
// answers or the startup timeout elapses.
func waitForWarehouse(ctx context.Context, log *slog.Logger, src *warehouse.Source) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, warehousePingTimeout)
		defer cancel()
		return struct{}{}, src.Ping(pctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(warehouseStartupTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("warehouse not ready, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("warehouse unavailable: %w", err)
	}
	return nil
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string, shutdownTimeout time.Duration) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}

// Config holds the application configuration.
type Config struct {
	ShowVersion bool
	Verbose     bool
	ListenAddr  string
	MetricsAddr string
	CORSOrigins []string

	// Warehouse configuration
	Warehouse string // "clickhouse" or "duckdb"
	Migrate   bool

	ClickHouseAddr        string
	ClickHouseDB          string
	ClickHouseUser        string
	ClickHousePassword    string
	ClickHouseTLSDisabled bool

	DuckDBPath string

	// Pipeline configuration
	AnthropicModel string
	PlanCacheTTL   time.Duration
	ResultCacheTTL time.Duration
	RequestTimeout time.Duration
	MaxConcurrency int
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func loadConfig() (Config, error) {
	var cfg Config

	planTTL, err := getenvDuration("PLAN_CACHE_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	resultTTL, err := getenvDuration("RESULT_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := getenvDuration("REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address for the HTTP API (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address for prometheus metrics, empty to disable (env: METRICS_ADDR)")
	flag.StringSliceVar(&cfg.CORSOrigins, "cors-origins", strings.Split(getenv("CORS_ORIGINS", "http://localhost:5173"), ","), "allowed CORS origins (env: CORS_ORIGINS)")

	// Warehouse configuration
	flag.StringVar(&cfg.Warehouse, "warehouse", getenv("WAREHOUSE", "clickhouse"), "warehouse backend: clickhouse or duckdb (env: WAREHOUSE)")
	flag.BoolVar(&cfg.Migrate, "migrate", getenv("MIGRATE", "") == "true", "create the rollup tables on startup (env: MIGRATE)")
	flag.StringVar(&cfg.ClickHouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", "localhost:9440"), "clickhouse address (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickHouseDB, "clickhouse-db", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&cfg.ClickHouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse username (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickHousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASS", ""), "clickhouse password (env: CLICKHOUSE_PASS)")
	flag.BoolVar(&cfg.ClickHouseTLSDisabled, "clickhouse-tls-disabled", getenv("CLICKHOUSE_TLS_DISABLED", "") == "true", "disable TLS for clickhouse (env: CLICKHOUSE_TLS_DISABLED)")
	flag.StringVar(&cfg.DuckDBPath, "duckdb-path", getenv("DUCKDB_PATH", ""), "duckdb database file, empty for in-memory (env: DUCKDB_PATH)")

	// Pipeline configuration
	flag.StringVar(&cfg.AnthropicModel, "anthropic-model", getenv("ANTHROPIC_MODEL", string(llm.DefaultModel)), "anthropic model (env: ANTHROPIC_MODEL)")
	flag.DurationVar(&cfg.PlanCacheTTL, "plan-cache-ttl", planTTL, "plan cache entry lifetime (env: PLAN_CACHE_TTL)")
	flag.DurationVar(&cfg.ResultCacheTTL, "result-cache-ttl", resultTTL, "result cache entry lifetime (env: RESULT_CACHE_TTL)")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", requestTimeout, "end-to-end timeout per question (env: REQUEST_TIMEOUT)")
	flag.IntVar(&cfg.MaxConcurrency, "max-concurrency", 16, "maximum concurrent warehouse fetches")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	switch cfg.Warehouse {
	case "clickhouse", "duckdb":
		// valid
	default:
		return Config{}, fmt.Errorf("invalid warehouse: %s (must be clickhouse or duckdb)", cfg.Warehouse)
	}
	if cfg.PlanCacheTTL <= 0 || cfg.ResultCacheTTL <= 0 || cfg.RequestTimeout <= 0 {
		return Config{}, errors.New("cache TTLs and request timeout must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return Config{}, fmt.Errorf("invalid max concurrency: %d", cfg.MaxConcurrency)
	}

	return cfg, nil
}
