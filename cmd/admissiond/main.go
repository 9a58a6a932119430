// Command admissiond serves the admission API: rate-limited anonymous
// ingestion plus plan and credit gating for authenticated operations.
//
// Configuration is environment-driven; a local .env file is loaded when
// present. See readConfig for the variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lessgo/admission"
	audithook "github.com/lessgo/admission/audit_hook"
	"github.com/lessgo/admission/httpapi"
	"github.com/lessgo/admission/observability"
	"github.com/lessgo/admission/ratelimit"
	redisrl "github.com/lessgo/admission/ratelimit/redis"
	"github.com/lessgo/admission/store"
	"github.com/lessgo/admission/store/memory"
	"github.com/lessgo/admission/store/mongo"
	"github.com/lessgo/admission/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "admissiond:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := readConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter, rdb, err := buildLimiter(cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	gate := admission.New(st,
		admission.WithLogger(logger),
		admission.WithRateLimiter(limiter),
		admission.WithPlugin(observability.NewMetricsExtension(prometheus.DefaultRegisterer)),
		admission.WithPlugin(audithook.New(audithook.SlogRecorder(logger))),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gate.Start(ctx); err != nil {
		return fmt.Errorf("start gate: %w", err)
	}
	defer gate.Stop()

	srv := httpapi.NewServer(gate, httpapi.StaticTokens(cfg.apiTokens),
		httpapi.WithLogger(logger),
		httpapi.WithAdminToken(cfg.adminToken),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.listenAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("admissiond started",
		"addr", cfg.listenAddr,
		"store", cfg.storeBackend,
		"counters", cfg.counterBackend)
	return g.Wait()
}

func openStore(cfg config) (store.Store, error) {
	switch cfg.storeBackend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.sqlitePath)
	case "mongo":
		return mongo.Open(cfg.mongoURI, cfg.mongoDatabase)
	default:
		return nil, fmt.Errorf("unknown ADMISSION_STORE %q", cfg.storeBackend)
	}
}

// buildLimiter returns the configured limiter and, for the redis
// backend, the client the caller must close.
func buildLimiter(cfg config, logger *slog.Logger) (*ratelimit.Limiter, *redis.Client, error) {
	opts := []ratelimit.Option{
		ratelimit.WithPolicy(ratelimit.Policy{Limit: cfg.rateLimit, Window: cfg.rateWindow}),
		ratelimit.WithLogger(logger),
	}

	switch cfg.counterBackend {
	case "memory":
		return ratelimit.New(ratelimit.NewMemoryCounters(), opts...), nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return ratelimit.New(redisrl.New(rdb), opts...), rdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown ADMISSION_COUNTERS %q", cfg.counterBackend)
	}
}

type config struct {
	listenAddr    string
	shutdownGrace time.Duration
	logLevel      slog.Level

	storeBackend  string
	sqlitePath    string
	mongoURI      string
	mongoDatabase string

	counterBackend string
	redisAddr      string
	redisPassword  string
	redisDB        int
	rateLimit      int64
	rateWindow     time.Duration

	adminToken string
	apiTokens  map[string]string
}

func readConfig() (config, error) {
	cfg := config{
		listenAddr:     getenvDefault("ADMISSION_LISTEN_ADDR", ":8080"),
		shutdownGrace:  getenvDurationDefault("ADMISSION_SHUTDOWN_GRACE", 10*time.Second),
		storeBackend:   getenvDefault("ADMISSION_STORE", "memory"),
		sqlitePath:     getenvDefault("ADMISSION_SQLITE_PATH", "admission.db"),
		mongoURI:       getenvDefault("ADMISSION_MONGO_URI", "mongodb://localhost:27017"),
		mongoDatabase:  getenvDefault("ADMISSION_MONGO_DB", "admission"),
		counterBackend: getenvDefault("ADMISSION_COUNTERS", "memory"),
		redisAddr:      getenvDefault("ADMISSION_REDIS_ADDR", "localhost:6379"),
		redisPassword:  os.Getenv("ADMISSION_REDIS_PASSWORD"),
		redisDB:        getenvIntDefault("ADMISSION_REDIS_DB", 0),
		rateLimit:      int64(getenvIntDefault("ADMISSION_RATE_LIMIT", 100)),
		rateWindow:     getenvDurationDefault("ADMISSION_RATE_WINDOW", time.Hour),
		adminToken:     os.Getenv("ADMISSION_ADMIN_TOKEN"),
		apiTokens:      parseTokens(os.Getenv("ADMISSION_API_TOKENS")),
	}

	switch strings.ToLower(getenvDefault("ADMISSION_LOG_LEVEL", "info")) {
	case "debug":
		cfg.logLevel = slog.LevelDebug
	case "warn":
		cfg.logLevel = slog.LevelWarn
	case "error":
		cfg.logLevel = slog.LevelError
	default:
		cfg.logLevel = slog.LevelInfo
	}

	if cfg.rateLimit <= 0 {
		return config{}, errors.New("ADMISSION_RATE_LIMIT must be > 0")
	}
	if cfg.rateWindow <= 0 {
		return config{}, errors.New("ADMISSION_RATE_WINDOW must be > 0")
	}
	if cfg.counterBackend == "redis" && cfg.redisAddr == "" {
		return config{}, errors.New("ADMISSION_REDIS_ADDR is required when ADMISSION_COUNTERS=redis")
	}
	return cfg, nil
}

// parseTokens reads "token:principal,token:principal" pairs. Malformed
// pairs are dropped rather than failing startup.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, principal, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || principal == "" {
			continue
		}
		tokens[token] = principal
	}
	return tokens
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
