// Package daemon assembles the otokura process: configuration, logging,
// the persistent stores under data_dir, the ingest pipeline on its task
// engine, the input watcher, the cleanup sweepers and the control socket.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"hibiki.cc/otokura/internal/archival"
	"hibiki.cc/otokura/internal/archive"
	"hibiki.cc/otokura/internal/catalog"
	"hibiki.cc/otokura/internal/command"
	"hibiki.cc/otokura/internal/companion"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/dupe"
	"hibiki.cc/otokura/internal/extract"
	"hibiki.cc/otokura/internal/ingest"
	"hibiki.cc/otokura/internal/library"
	logpkg "hibiki.cc/otokura/internal/log"
	"hibiki.cc/otokura/internal/metadata"
	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/sweep"
	"hibiki.cc/otokura/internal/task"
	"hibiki.cc/otokura/internal/vault"
	"hibiki.cc/otokura/internal/watcher"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

// Daemon owns the lifecycle of every long-running component.
type Daemon struct {
	config     *config.Config
	configPath string
	socketPath string
	pidFile    string

	// Persistent stores, all rooted under data_dir.
	snapshot  *library.Snapshot
	conflicts *library.ConflictStore
	scanCache *library.ScanCache
	pool      *archival.Pool
	vault     *vault.Vault
	metaStore *metadata.Store
	sweepLog  *sweep.Log

	catalog    *catalog.Client
	companion  *companion.Client
	engine     *task.Engine
	watcher    *watcher.Watcher // nil when watcher disabled
	passwords  *sweep.PasswordSweeper
	archives   *sweep.ArchiveSweeper
	metricsSrv *metrics.Server // nil when metrics disabled
	handler    *command.CommandHandler
	udsServer  *command.UDSServer

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal

	stopped bool
}

// New loads the configuration and prepares a daemon. Empty socketPath or
// pidFile fall back to the control section of the config file.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start brings every component up in dependency order.
func (d *Daemon) Start() error {
	// 1. Logging first so everything below reports through the configured sinks.
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.Info("starting otokura daemon",
		slog.String("version", Version),
		slog.String("config", d.configPath),
		slog.String("socket", d.socketPath))

	// 2. PID file.
	if err := d.writePIDFile(); err != nil {
		return err
	}

	// 3. Metrics endpoint.
	if d.config.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(d.config.Metrics)
		if err := d.metricsSrv.Start(d.ctx); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	// 4. Persistent stores.
	if err := d.openStores(); err != nil {
		return err
	}

	// 5. Remote clients. The companion client is built even when disabled
	// so daemon_stats can report its state.
	cat, err := catalog.NewClient(d.config.Metadata)
	if err != nil {
		return fmt.Errorf("catalog client: %w", err)
	}
	d.catalog = cat
	comp, err := companion.NewClient(d.config.Companion, cat)
	if err != nil {
		return fmt.Errorf("companion client: %w", err)
	}
	d.companion = comp

	// 6. Task engine with the ingest pipeline registered on it. A broken
	// task store costs history, not the daemon.
	var store task.Store
	if d.config.TaskHistory.Enabled {
		fs, serr := task.NewFileStore(filepath.Join(d.config.DataDir, "tasks"))
		if serr != nil {
			slog.Warn("task store unavailable, history disabled",
				slog.String("dir", filepath.Join(d.config.DataDir, "tasks")),
				slog.Any("error", serr))
		} else {
			store = fs
		}
	}
	d.engine = task.NewEngine(store, d.config.Processing.MaxConcurrent)

	pipe := ingest.NewPipeline(ingest.Deps{
		Config:     d.config,
		Extractor:  extract.NewEngine(d.config, archive.NewDriver(d.config.Extract.SevenZipPath), d.vault),
		Resolver:   metadata.NewResolver(cat, d.metaStore, d.config.Metadata),
		Detector:   dupe.NewDetector(d.config, d.snapshot, cat, comp),
		Classifier: library.NewClassifier(d.config, d.snapshot, d.conflicts),
		Conflicts:  d.conflicts,
		Snapshot:   d.snapshot,
		Pool:       d.pool,
		ScanCache:  d.scanCache,
	})
	pipe.Register(d.engine)

	if store != nil {
		if _, _, rerr := d.engine.Restore(); rerr != nil {
			slog.Warn("task restore failed", slog.Any("error", rerr))
		}
		d.engine.StartGC(d.ctx, d.gcInterval(), d.config.TaskHistory.MaxTaskHistory)
	}
	d.engine.Start(d.ctx)

	// 7. Reconcile pool rows against the processed tree before the watcher
	// can add new ones.
	if err := d.pool.Reconcile(); err != nil {
		slog.Warn("archive pool reconcile failed", slog.Any("error", err))
	}

	// 8. Input watcher.
	if d.config.Watcher.Enabled {
		d.watcher = watcher.New(d.config, d.engine, d.scanCache)
		if err := d.watcher.Start(d.ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	// 9. Warm the existing-tree scan cache off the startup path; the
	// refresh reaches the catalog and must not hold up boot.
	go func() {
		sum, serr := pipe.RefreshScanCache(d.ctx)
		if serr != nil {
			if d.ctx.Err() == nil {
				slog.Warn("existing tree scan failed", slog.Any("error", serr))
			}
			return
		}
		slog.Info("existing tree scanned",
			slog.Int("folders", sum.Folders),
			slog.Int("refreshed", sum.Refreshed),
			slog.Int("from_cache", sum.FromCache),
			slog.Int("conflicts", sum.Conflicts))
	}()

	// 10. Cleanup sweepers.
	d.passwords = sweep.NewPasswordSweeper(d.config, d.vault, d.sweepLog)
	if err := d.passwords.Start(d.ctx); err != nil {
		return fmt.Errorf("start password sweeper: %w", err)
	}
	d.archives = sweep.NewArchiveSweeper(d.config, d.pool, d.sweepLog)
	if err := d.archives.Start(d.ctx); err != nil {
		return fmt.Errorf("start archive sweeper: %w", err)
	}

	// 11. Control socket last so commands only reach a fully wired daemon.
	d.handler = command.NewCommandHandler(command.Deps{
		Engine:    d.engine,
		Resolver:  ingest.NewConflictResolver(d.config, d.conflicts, d.snapshot, d.pool, d.engine),
		Conflicts: d.conflicts,
		Vault:     d.vault,
		Snapshot:  d.snapshot,
		Pool:      d.pool,
		ScanCache: d.scanCache,
		Companion: comp,
		Watcher:   d.watcher,
		Passwords: d.passwords,
		Archives:  d.archives,
		SweepLog:  d.sweepLog,
		Reloader:  d,
		Version:   Version,
	})
	d.handler.SetShutdownFunc(d.triggerShutdown)
	d.udsServer = command.NewUDSServer(d.socketPath, d.handler)
	if err := d.udsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}

	slog.Info("daemon started")
	return nil
}

// openStores opens every persistent store under data_dir.
func (d *Daemon) openStores() error {
	if err := os.MkdirAll(d.config.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dataPath := func(name string) string { return filepath.Join(d.config.DataDir, name) }

	var err error
	if d.snapshot, err = library.OpenSnapshot(dataPath("snapshot.json")); err != nil {
		return fmt.Errorf("open library snapshot: %w", err)
	}
	if d.conflicts, err = library.OpenConflicts(dataPath("conflicts")); err != nil {
		return fmt.Errorf("open conflict store: %w", err)
	}
	if d.scanCache, err = library.OpenScanCache(dataPath("scan_cache.json")); err != nil {
		return fmt.Errorf("open scan cache: %w", err)
	}
	if d.pool, err = archival.OpenPool(d.config.Storage.ProcessedDir, dataPath("archived")); err != nil {
		return fmt.Errorf("open archive pool: %w", err)
	}
	if d.vault, err = vault.Open(dataPath("passwords.json")); err != nil {
		return fmt.Errorf("open password vault: %w", err)
	}
	if d.metaStore, err = metadata.NewStore(dataPath("metadata"), d.config.Metadata.CacheDays); err != nil {
		return fmt.Errorf("open metadata cache: %w", err)
	}
	if d.sweepLog, err = sweep.OpenLog(dataPath("sweeps")); err != nil {
		return fmt.Errorf("open sweep log: %w", err)
	}
	return nil
}

func (d *Daemon) gcInterval() time.Duration {
	iv, err := time.ParseDuration(d.config.TaskHistory.GCInterval)
	if err != nil || iv <= 0 {
		if d.config.TaskHistory.GCInterval != "" {
			slog.Warn("invalid task_history.gc_interval, defaulting to 1h",
				slog.String("value", d.config.TaskHistory.GCInterval))
		}
		return time.Hour
	}
	return iv
}

// Stop tears components down in reverse start order. Safe to call twice.
func (d *Daemon) Stop() {
	if d.stopped {
		return
	}
	d.stopped = true

	slog.Info("initiating graceful shutdown")

	// Command intake closes first, then the producers, then the engine
	// drains its running tasks.
	if d.udsServer != nil {
		d.udsServer.Stop()
	}
	if d.passwords != nil {
		d.passwords.Stop()
	}
	if d.archives != nil {
		d.archives.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Stop(ctx); err != nil {
			slog.Error("metrics server stop failed", slog.Any("error", err))
		}
		cancel()
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("pid file removal failed", slog.Any("error", err))
	}

	slog.Info("daemon stopped")
}

// Run blocks until SIGTERM/SIGINT or a daemon_shutdown command arrives.
// SIGHUP reloads the configuration in place.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", slog.String("signal", sig.String()))
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("config reload failed", slog.Any("error", err))
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown requested via control socket")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// triggerShutdown asks Run to exit. Non-blocking so repeated
// daemon_shutdown commands cannot wedge the handler.
func (d *Daemon) triggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Reload re-reads the config file and applies what can change at runtime:
// log level and format, the watcher rescan interval and the sweeper
// schedules and criteria. Everything else logs a restart warning.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", slog.String("path", d.configPath))

	newCfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	oldCfg := d.config

	var hot []string

	if newCfg.Log != oldCfg.Log {
		if lerr := logpkg.Init(newCfg.Log); lerr != nil {
			slog.Error("logging reinit failed, keeping previous sinks", slog.Any("error", lerr))
		} else {
			hot = append(hot, "log")
		}
	}

	if d.watcher != nil && newCfg.Watcher.ScanInterval != oldCfg.Watcher.ScanInterval {
		if iv, perr := time.ParseDuration(newCfg.Watcher.ScanInterval); perr == nil && iv > 0 {
			d.watcher.SetScanInterval(iv)
			hot = append(hot, "watcher.scan_interval")
		} else {
			slog.Warn("invalid watcher.scan_interval, keeping current",
				slog.String("value", newCfg.Watcher.ScanInterval))
		}
	}

	if d.passwords != nil && !passwordSweepEqual(newCfg.PasswordSweep, oldCfg.PasswordSweep) {
		if serr := d.passwords.Reload(d.ctx, newCfg); serr != nil {
			slog.Error("password sweeper reload failed", slog.Any("error", serr))
		} else {
			hot = append(hot, "password_cleanup")
		}
	}
	if d.archives != nil && newCfg.ArchiveSweep != oldCfg.ArchiveSweep {
		if serr := d.archives.Reload(d.ctx, newCfg); serr != nil {
			slog.Error("archive sweeper reload failed", slog.Any("error", serr))
		} else {
			hot = append(hot, "archive_cleanup")
		}
	}

	var cold []string
	if newCfg.Storage != oldCfg.Storage {
		cold = append(cold, "storage")
	}
	if newCfg.Processing != oldCfg.Processing {
		cold = append(cold, "processing")
	}
	if newCfg.DataDir != oldCfg.DataDir {
		cold = append(cold, "data_dir")
	}
	if newCfg.Metrics != oldCfg.Metrics {
		cold = append(cold, "metrics")
	}
	if newCfg.Control != oldCfg.Control {
		cold = append(cold, "control")
	}
	if newCfg.Watcher.Enabled != oldCfg.Watcher.Enabled {
		cold = append(cold, "watcher.enabled")
	}

	d.config = newCfg

	slog.Info("configuration reloaded",
		slog.Any("hot_reloaded", hot),
		slog.Any("requires_restart", cold))
	return nil
}

func passwordSweepEqual(a, b config.PasswordSweepConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Cron == b.Cron &&
		a.MaxUseCount == b.MaxUseCount &&
		a.PreserveDays == b.PreserveDays &&
		slices.Equal(a.ExcludeSources, b.ExcludeSources)
}

// writePIDFile records the process id for init scripts and the stop command.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", d.pidFile, err)
	}
	return nil
}
