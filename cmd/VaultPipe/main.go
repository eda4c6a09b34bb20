package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/BTreeMap/VaultPipe/internal/api"
	"github.com/BTreeMap/VaultPipe/internal/assets"
	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/lockfile"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/scheduler"
	"github.com/BTreeMap/VaultPipe/internal/store"
	"github.com/BTreeMap/VaultPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for VaultPipe state data
	DefaultStateDir = "/var/lib/vaultpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "vaultpipe.db"
	// DefaultAssetDirName is the default artifact directory inside the state dir
	DefaultAssetDirName = "artifacts"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold an exclusive lock on the state directory for the process lifetime
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping VaultPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "redis_addr", *flags.redisAddr, "api_addr", *flags.apiAddr)

	if err := run(flags); err != nil {
		slog.Error("VaultPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("VaultPipe exited successfully")
}

// run wires the modules together and serves until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	// The queue binds its backend lazily; the factory only runs on first use.
	factory := buildBackendFactory(flags, st)
	exportQueue := queue.New(export.Topic, factory)

	assetStore, err := assets.NewFSStore(*flags.assetDir)
	if err != nil {
		return err
	}
	quota := assets.NewUsageQuota(st, st)

	exporter := export.NewExporter(st, assetStore, quota, export.ExporterOptions{
		TempDir:       filepath.Join(*flags.stateDir, "tmp"),
		RetentionDays: *flags.retentionDays,
	})

	runner := queue.NewRunner(exportQueue, exporter.Handle, queue.RunnerOptions{
		Concurrency: *flags.concurrency,
		Completion:  exporter,
	})
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	if *flags.schedulerEnabled {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		sweeper := scheduler.NewSweeper(st, exportQueue)
		if err := sweeper.Register(sched); err != nil {
			return err
		}
	} else {
		slog.Info("Scheduler disabled, backups run only on explicit request")
	}

	svc := export.NewService(st, exportQueue, assetStore)
	server := api.NewServer(svc, exportQueue)

	err = server.Run(ctx, *flags.apiAddr)

	// Wait for in-flight jobs to finish acking before the store closes
	<-runnerDone
	return err
}

// openStore selects the SQL store implied by the configured DSN.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildBackendFactory returns the queue backend factory: Redis when an
// address is configured, otherwise the jobs table of the SQL store.
func buildBackendFactory(flags Flags, st store.Store) queue.BackendFactory {
	if *flags.redisAddr != "" {
		addr, password, db := *flags.redisAddr, *flags.redisPassword, *flags.redisDB
		return func(ctx context.Context) (queue.Backend, error) {
			slog.Debug("Connecting Redis queue backend", "addr", addr, "db", db)
			return queue.NewRedisBackend(ctx, addr, password, db)
		}
	}
	return func(ctx context.Context) (queue.Backend, error) {
		return queue.NewSQLBackend(st), nil
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	AssetDir         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	APIAddr          string
	RetentionDays    int
	Concurrency      int
	SchedulerEnabled bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	assetDir         *string
	redisAddr        *string
	redisPassword    *string
	redisDB          *int
	apiAddr          *string
	retentionDays    *int
	concurrency      *int
	schedulerEnabled *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("VAULTPIPE_STATE_DIR"),
		AssetDir:         os.Getenv("VAULTPIPE_ASSET_DIR"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          parseIntEnv("REDIS_DB", 0),
		APIAddr:          os.Getenv("API_ADDR"),
		RetentionDays:    parseIntEnv("BACKUP_RETENTION_DAYS", export.DefaultRetentionDays),
		Concurrency:      parseIntEnv("EXPORT_CONCURRENCY", queue.DefaultConcurrency),
		SchedulerEnabled: util.ParseBoolEnv("SCHEDULER_ENABLED", true),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No VAULTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("VAULTPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	// Artifacts live under the state directory unless placed elsewhere
	if config.AssetDir == "" {
		config.AssetDir = filepath.Join(config.StateDir, DefaultAssetDirName)
	}

	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"VAULTPIPE_STATE_DIR", config.StateDir,
		"VAULTPIPE_ASSET_DIR", config.AssetDir,
		"REDIS_ADDR", config.RedisAddr,
		"API_ADDR", config.APIAddr,
		"BACKUP_RETENTION_DAYS", config.RetentionDays,
		"EXPORT_CONCURRENCY", config.Concurrency)

	return config
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("parseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for VaultPipe data (overrides $VAULTPIPE_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN for the application store (overrides $DATABASE_URL)"),
		assetDir:         flag.String("asset-dir", config.AssetDir, "directory for backup archives (overrides $VAULTPIPE_ASSET_DIR)"),
		redisAddr:        flag.String("redis-addr", config.RedisAddr, "Redis address for the queue backend; empty uses the SQL store (overrides $REDIS_ADDR)"),
		redisPassword:    flag.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:          flag.Int("redis-db", config.RedisDB, "Redis database number (overrides $REDIS_DB)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		retentionDays:    flag.Int("retention-days", config.RetentionDays, "days to keep old successful backups (overrides $BACKUP_RETENTION_DAYS)"),
		concurrency:      flag.Int("concurrency", config.Concurrency, "max export jobs running at once (overrides $EXPORT_CONCURRENCY)"),
		schedulerEnabled: flag.Bool("scheduler", config.SchedulerEnabled, "run the daily backup scheduler (overrides $SCHEDULER_ENABLED)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"assetDir", *flags.assetDir,
		"redisAddr", *flags.redisAddr,
		"apiAddr", *flags.apiAddr,
		"retentionDays", *flags.retentionDays,
		"concurrency", *flags.concurrency)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
	if *flags.assetDir == config.AssetDir && config.AssetDir == filepath.Join(config.StateDir, DefaultAssetDirName) && *flags.stateDir != config.StateDir {
		*flags.assetDir = filepath.Join(*flags.stateDir, DefaultAssetDirName)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if err := os.MkdirAll(filepath.Join(*flags.stateDir, "tmp"), 0755); err != nil {
		slog.Error("Failed to create temp directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	// Ensure the parent directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}
