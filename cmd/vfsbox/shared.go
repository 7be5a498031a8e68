package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jkaninda/vfsbox/internal/config"
	"github.com/jkaninda/vfsbox/internal/executor"
	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/observability"
	"github.com/jkaninda/vfsbox/internal/sandbox"
	"github.com/jkaninda/vfsbox/internal/storage"
	pgstore "github.com/jkaninda/vfsbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/vfsbox/internal/storage/sqlite"
	"github.com/jkaninda/vfsbox/internal/vfs"
	"github.com/jkaninda/vfsbox/internal/workspace"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil when storage.driver=none.
	History   history.Store // Store.History(), or in-memory without a store.
	Obs       *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// setup loads the config, builds the logger and initializes shared components.
func setup() (*SharedComponents, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	return initShared(cfg, logger)
}

// newLogger builds the process logger on stderr. --log-level wins over config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	raw := cfg.Logging.Level
	if logLevel != "" {
		raw = logLevel
	}
	if raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs the initialization common to all commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("creating workspace directories: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	if o := cfg.Observability; o != nil && o.Tracing != nil && o.Tracing.ServiceVersion == "" {
		o.Tracing.ServiceVersion = version
	}
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store == nil {
		sc.History = history.NewMemoryStore()
		logger.Debug("storage disabled, history kept in memory")
	} else {
		sc.Store = store
		sc.History = store.History()
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("workspace", observability.DirCheck(ws.Root))
		obs.Health.AddCheck("sandbox", observability.DirCheck(ws.SandboxDir()))
		if sc.Store != nil {
			obs.Health.AddCheck("storage", sc.Store.Ping)
		}
	}

	return sc, nil
}

// initWorkspace creates the runtime directory from config.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Home == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.ResolvedHome())
}

// initStore creates the storage backend from config. It returns nil for
// driver "none".
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	case storage.DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}

	if envDSN := os.Getenv("VFSBOX_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or VFSBOX_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// hydrateConfig maps engine settings onto the hydrator configuration.
func hydrateConfig(cfg *config.Config) hydrate.Config {
	return hydrate.Config{
		LoaderConfig: hydrate.LoaderConfig{
			MaxFileSizeMB:     cfg.Engine.MaxFileSizeMB,
			MaxArchiveSizeMB:  cfg.Engine.MaxArchiveSizeMB,
			ArchiveExtensions: cfg.Engine.ArchiveExtensions,
			TextExtensions:    cfg.Engine.TextExtensions,
		},
		IgnorePatterns: cfg.Engine.IgnorePatterns,
	}
}

// engineConfig maps the loaded config onto the executor configuration.
func (sc *SharedComponents) engineConfig() executor.Config {
	e := sc.Config.Engine
	return executor.Config{
		SandboxBaseDir: sc.Workspace.SandboxDir(),
		Owner:          e.SessionOwner(),
		AccessTimeMode: sc.Config.AccessTimeMode(),
		Hydrate:        hydrateConfig(sc.Config),
		Process: sandbox.ProcessConfig{
			Shell:          e.Shell,
			DefaultTimeout: e.CommandTimeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: e.MaxCPUSeconds,
				MaxMemoryMB:   e.MaxMemoryMB,
			},
			MaxOutputBytes: e.MaxOutputBytes,
		},
	}
}

// newEngine builds an executor over fs, wired to history and observability.
func (sc *SharedComponents) newEngine(fs *vfs.FileSystem) (*executor.Engine, error) {
	cfg := sc.engineConfig()
	var runner sandbox.Runner = sandbox.NewProcessRunner(cfg.Process, sc.Logger)
	opts := []executor.Option{
		executor.WithLogger(sc.Logger),
		executor.WithHistory(history.NewRecorder(sc.History, sc.Logger)),
	}
	if sc.Obs != nil {
		runner = observability.NewInstrumentedRunner(runner, "process",
			sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil(), sc.Obs.AnomalyOrNil())
		opts = append(opts,
			executor.WithMetrics(sc.Obs.MetricsOrNil()),
			executor.WithAnomaly(sc.Obs.AnomalyOrNil()),
			executor.WithTracer(sc.Obs.TracerOrNil().Tracer()),
		)
	}
	opts = append(opts, executor.WithRunner(runner))
	return executor.New(cfg, fs, opts...)
}

// newHydrator builds a standalone hydrator and dehydrator from config.
func (sc *SharedComponents) newHydrator() (*hydrate.Hydrator, *hydrate.Dehydrator, error) {
	meta := metadata.New(sc.Logger, time.Now)
	h, err := hydrate.NewHydrator(hydrateConfig(sc.Config), meta, sc.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating hydrator: %w", err)
	}
	return h, hydrate.NewDehydrator(meta, sc.Logger), nil
}

// loadState reads the named state document. When none exists yet, the
// configured workspace directory (or the current directory) is hydrated.
func (sc *SharedComponents) loadState() (*vfs.FileSystem, error) {
	path := sc.Workspace.StatePath(stateName)
	fs, err := vfs.Load(path)
	if err == nil {
		sc.Logger.Debug("state loaded",
			slog.String("path", path),
			slog.Int("entries", len(fs.Entries)),
		)
		return fs, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	dir := sc.Config.Workspace
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("determining working directory: %w", err)
		}
	}
	h, _, err := sc.newHydrator()
	if err != nil {
		return nil, err
	}
	fs, err = h.HydrateFromDirectory(dir)
	if err != nil {
		return nil, fmt.Errorf("hydrating %s: %w", dir, err)
	}
	sc.Logger.Info("no state document found, hydrated workspace",
		slog.String("dir", dir),
		slog.Int("entries", len(fs.Entries)),
	)
	return fs, nil
}

// saveState writes fs as the named state document.
func (sc *SharedComponents) saveState(fs *vfs.FileSystem) error {
	path := sc.Workspace.StatePath(stateName)
	if err := fs.Save(path); err != nil {
		return fmt.Errorf("saving state %s: %w", path, err)
	}
	sc.Logger.Debug("state saved", slog.String("path", path), slog.Int("entries", len(fs.Entries)))
	return nil
}

// closeEngine ends the sandbox session and persists the final state.
func (sc *SharedComponents) closeEngine(engine *executor.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := engine.Close(ctx)
	if err != nil {
		sc.Logger.Warn("final reconcile failed", slog.String("error", err.Error()))
	} else {
		sc.Logger.Debug("sandbox session ended",
			slog.Bool("reconciled", res.Reconciled),
			slog.String("message", res.Message),
		)
	}
	return sc.saveState(engine.FileSystem())
}

// totalSize sums the recorded size of all file entries.
func totalSize(fs *vfs.FileSystem) string {
	var n int64
	for _, e := range fs.Entries {
		if !e.IsDirectory {
			n += e.SizeBytes
		}
	}
	return humanize.IBytes(uint64(n))
}
