package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/hashicorp/go-multierror"

	"relaycast/internal/catalog"
	"relaycast/internal/config"
	"relaycast/internal/hooks"
	"relaycast/internal/lifecycle"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/relay"
	"relaycast/internal/server"
	"relaycast/internal/vault"
)

const shutdownTimeout = 10 * time.Second

type catalogStore interface {
	catalog.DestinationRepository
	catalog.StreamRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	if _, err := config.LoadDotEnv(splitAndTrim(firstNonEmpty(os.Getenv("RELAYCAST_ENV_FILE"), ".env"))...); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	catalogDriver := flag.String("catalog-driver", "", "catalog driver (memory or postgres)")
	catalogSeed := flag.String("catalog-seed", "", "JSON seed file for the memory catalog")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresQueryTimeout := flag.Duration("postgres-query-timeout", 0, "timeout applied to each catalog query")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresEnsureSchema := flag.Bool("postgres-ensure-schema", false, "create catalog tables on startup")
	queueDriver := flag.String("queue-driver", "", "lifecycle queue driver (none, memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the lifecycle queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the lifecycle queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the lifecycle queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the lifecycle queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for lifecycle events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for relay workers")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the lifecycle queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the lifecycle queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
	hookToken := flag.String("hook-token", "", "shared token the media server presents on callbacks")
	hookStopTimeout := flag.Duration("hook-stop-timeout", 0, "how long publish_done waits for relays to stop")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ingestBaseURL := flag.String("ingest-base-url", "", "RTMP base URL relays pull the ingested stream from")
	stopTerminateAfter := flag.Duration("stop-terminate-after", 0, "grace period before a relay is terminated")
	stopKillAfter := flag.Duration("stop-kill-after", 0, "grace period before a relay is killed")
	maxConcurrentSpawns := flag.Int("max-concurrent-spawns", 0, "maximum relays launched in parallel")
	bindLifetime := flag.Bool("bind-child-lifetime", false, "kill relays when relayd exits")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYCAST_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYCAST_LOG_FORMAT")),
	})

	relayCfg, err := relay.LoadConfigFromEnv()
	if err != nil {
		logger.Error("invalid relay configuration", "error", err)
		os.Exit(1)
	}
	relayCfg = applyRelayOverrides(relayCfg, relayOverrides{
		FFmpegPath:          *ffmpegPath,
		IngestBaseURL:       *ingestBaseURL,
		TerminateAfter:      *stopTerminateAfter,
		KillAfter:           *stopKillAfter,
		MaxConcurrentSpawns: *maxConcurrentSpawns,
	})
	if err := relayCfg.Validate(); err != nil {
		logger.Error("invalid relay configuration", "error", err)
		os.Exit(1)
	}

	sealer, err := vault.NewFromEnv()
	if err != nil {
		logger.Error("credential vault unavailable", "error", err)
		os.Exit(1)
	}

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("RELAYCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver, err := resolveCatalogDriver(*catalogDriver, os.Getenv("RELAYCAST_CATALOG_DRIVER"), dsn)
	if err != nil {
		logger.Error("invalid catalog configuration", "error", err)
		os.Exit(1)
	}

	var store catalogStore
	switch driver {
	case "postgres":
		opts := []catalog.PostgresOption{
			catalog.WithPoolLimits(int32(resolveInt(*postgresMaxConns, "RELAYCAST_POSTGRES_MAX_CONNS")), int32(resolveInt(*postgresMinConns, "RELAYCAST_POSTGRES_MIN_CONNS"))),
			catalog.WithConnLifetimes(
				resolveDuration(*postgresMaxConnLifetime, "RELAYCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
				resolveDuration(*postgresMaxConnIdle, "RELAYCAST_POSTGRES_MAX_CONN_IDLE", 0),
			),
			catalog.WithQueryTimeout(resolveDuration(*postgresQueryTimeout, "RELAYCAST_POSTGRES_QUERY_TIMEOUT", 5*time.Second)),
			catalog.WithApplicationName(firstNonEmpty(*postgresAppName, os.Getenv("RELAYCAST_POSTGRES_APP_NAME"), "relayd")),
		}
		pgStore, err := catalog.NewPostgresStore(dsn, opts...)
		if err != nil {
			logger.Error("failed to open postgres catalog", "error", err)
			os.Exit(1)
		}
		if resolveBool(*postgresEnsureSchema, "RELAYCAST_POSTGRES_ENSURE_SCHEMA") {
			schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := pgStore.EnsureSchema(schemaCtx)
			cancel()
			if err != nil {
				logger.Error("failed to apply catalog schema", "error", err)
				os.Exit(1)
			}
		}
		store = pgStore
	default:
		seed := firstNonEmpty(*catalogSeed, os.Getenv("RELAYCAST_CATALOG_SEED"))
		if seed == "" {
			logger.Warn("memory catalog has no seed file, every publish will be refused")
			store = catalog.NewMemoryStore()
			break
		}
		memStore, err := catalog.LoadMemoryStore(seed)
		if err != nil {
			logger.Error("failed to load catalog seed", "path", seed, "error", err)
			os.Exit(1)
		}
		store = memStore
	}

	queueCfg := lifecycle.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("RELAYCAST_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("RELAYCAST_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("RELAYCAST_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("RELAYCAST_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("RELAYCAST_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("RELAYCAST_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("RELAYCAST_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "RELAYCAST_QUEUE_REDIS_POOL_SIZE"),
		TLS: lifecycle.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("RELAYCAST_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("RELAYCAST_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("RELAYCAST_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("RELAYCAST_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "RELAYCAST_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureLifecycleQueue(firstNonEmpty(*queueDriver, os.Getenv("RELAYCAST_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure lifecycle queue", "error", err)
		closeStore(logger, store)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, logger, runConfig{
		Addr:          firstNonEmpty(*addr, os.Getenv("RELAYCAST_ADDR"), ":8080"),
		TLS:           server.TLSConfig{CertFile: firstNonEmpty(*tlsCert, os.Getenv("RELAYCAST_TLS_CERT")), KeyFile: firstNonEmpty(*tlsKey, os.Getenv("RELAYCAST_TLS_KEY"))},
		Relay:         relayCfg,
		BindLifetime:  resolveBool(*bindLifetime, "RELAYCAST_BIND_CHILD_LIFETIME"),
		Store:         store,
		Queue:         queue,
		Vault:         sealer,
		HookToken:     firstNonEmpty(*hookToken, os.Getenv("RELAYCAST_HOOK_TOKEN")),
		HookStop:      resolveDuration(*hookStopTimeout, "RELAYCAST_HOOK_STOP_TIMEOUT", 15*time.Second),
		ShutdownAfter: shutdownTimeout,
	}); err != nil {
		logger.Error("relayd stopped with errors", "error", err)
		stop()
		os.Exit(1)
	}
}

type runConfig struct {
	Addr          string
	TLS           server.TLSConfig
	Relay         relay.Config
	BindLifetime  bool
	Store         catalogStore
	Queue         lifecycle.Queue
	Vault         relay.Decrypter
	Spawner       relay.Spawner
	HookToken     string
	HookStop      time.Duration
	ShutdownAfter time.Duration
}

// run serves until ctx ends and owns every resource handed to it. Once ctx
// ends, the HTTP drain, the lifecycle worker and the relay stops all share a
// single ShutdownAfter deadline.
func run(ctx context.Context, logger *slog.Logger, cfg runConfig) (result error) {
	recorder := metrics.Default()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownAfter)
		defer cancel()
		var errs *multierror.Error
		if cfg.Queue != nil {
			if err := cfg.Queue.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close lifecycle queue: %w", err))
			}
		}
		if err := cfg.Store.Close(closeCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close catalog: %w", err))
		}
		if err := errs.ErrorOrNil(); err != nil {
			result = multierror.Append(result, err)
		}
	}()

	if cfg.BindLifetime {
		if err := child_process_manager.InitializeChildProcessManager(); err != nil {
			return fmt.Errorf("initialize child process manager: %w", err)
		}
		defer child_process_manager.DisposeChildProcessManager()
	}

	spawner := cfg.Spawner
	if spawner == nil {
		spawner = relay.ExecSpawner{
			BindLifetime: cfg.BindLifetime,
			Logger:       logging.WithComponent(logger, "relay-process"),
		}
	}
	manager, err := relay.NewManager(relay.Options{
		Config:       cfg.Relay,
		Destinations: cfg.Store,
		Vault:        cfg.Vault,
		Spawner:      spawner,
		Logger:       logging.WithComponent(logger, "relay"),
		Observer:     recorder,
	})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	workerDone := make(chan struct{})
	if cfg.Queue != nil {
		worker := &lifecycle.Worker{
			Queue:      cfg.Queue,
			Controller: manager,
			Logger:     logging.WithComponent(logger, "lifecycle-worker"),
			Observer:   recorder,
		}
		go func() {
			defer close(workerDone)
			if err := worker.Run(ctx); err != nil {
				logger.Error("lifecycle worker stopped", "error", err)
				stop()
			}
		}()
	} else {
		close(workerDone)
	}

	checks := []server.Check{{Name: "catalog", Check: cfg.Store.Ping}}
	if p, ok := cfg.Queue.(pinger); ok {
		checks = append(checks, server.Check{Name: "lifecycle_queue", Check: p.Ping})
	}

	hookHandler := &hooks.Handler{
		Streams:     cfg.Store,
		Relays:      manager,
		Events:      cfg.Queue,
		Token:       cfg.HookToken,
		Logger:      logging.WithComponent(logger, "hooks"),
		StopTimeout: cfg.HookStop,
	}
	srv := server.New(server.Config{
		Addr:    cfg.Addr,
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
		Relays:  manager,
		Hooks:   hookHandler.Routes(),
		Checks:  checks,
	})

	ready := func(addr net.Addr) {
		logger.Info("relayd listening",
			"addr", addr.String(),
			"tls", cfg.TLS.CertFile != "",
			"ffmpeg", cfg.Relay.FFmpegPath,
			"ingest_base_url", cfg.Relay.IngestBaseURL,
			"lifecycle_queue", cfg.Queue != nil,
		)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Run(ctx, server.RunConfig{Server: srv, TLS: cfg.TLS, DrainTimeout: cfg.ShutdownAfter, Ready: ready})
	}()

	var errs *multierror.Error
	served := false
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		served = true
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = multierror.Append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	stop()
	logger.Info("shutting down", "timeout", cfg.ShutdownAfter)

	deadline, cancel := context.WithTimeout(context.Background(), cfg.ShutdownAfter)
	defer cancel()
	relaysStopped := make(chan error, 1)
	go func() {
		relaysStopped <- manager.Shutdown(deadline)
	}()

	if !served {
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = multierror.Append(errs, fmt.Errorf("http server: %w", err))
			}
		case <-deadline.Done():
			errs = multierror.Append(errs, errors.New("http server did not drain before the shutdown deadline"))
		}
	}
	select {
	case <-workerDone:
	case <-deadline.Done():
		errs = multierror.Append(errs, errors.New("lifecycle worker did not stop before the shutdown deadline"))
	}
	if err := <-relaysStopped; err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop relays: %w", err))
	}
	return errs.ErrorOrNil()
}

func closeStore(logger *slog.Logger, store catalogStore) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close catalog", "error", err)
	}
}

type relayOverrides struct {
	FFmpegPath          string
	IngestBaseURL       string
	TerminateAfter      time.Duration
	KillAfter           time.Duration
	MaxConcurrentSpawns int
}

func applyRelayOverrides(cfg relay.Config, o relayOverrides) relay.Config {
	if v := strings.TrimSpace(o.FFmpegPath); v != "" {
		cfg.FFmpegPath = v
	}
	if v := strings.TrimSpace(o.IngestBaseURL); v != "" {
		cfg.IngestBaseURL = v
	}
	if o.TerminateAfter > 0 {
		cfg.Stop.TerminateAfter = o.TerminateAfter
	}
	if o.KillAfter > 0 {
		cfg.Stop.KillAfter = o.KillAfter
	}
	if o.MaxConcurrentSpawns > 0 {
		cfg.MaxConcurrentSpawns = o.MaxConcurrentSpawns
	}
	return cfg
}

func configureLifecycleQueue(driver string, cfg lifecycle.RedisQueueConfig, logger *slog.Logger) (lifecycle.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return lifecycle.NewMemoryQueue(128), nil
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for lifecycle queue")
		}
		cfg.Logger = logging.WithComponent(logger, "lifecycle-queue")
		queue, err := lifecycle.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unsupported lifecycle queue driver %q", driver)
	}
}

func resolveCatalogDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	switch driver {
	case "":
		if postgresDSN != "" {
			return "postgres", nil
		}
		return "memory", nil
	case "memory":
		return driver, nil
	case "postgres":
		if postgresDSN == "" {
			return "", errors.New("postgres catalog selected without DSN")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
