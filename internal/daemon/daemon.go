// Package daemon runs the consume runner: the scheduler loop, its IPC
// control plane, the browser sidecar and the file watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashleyhindle/fuel/internal/browser"
	"github.com/ashleyhindle/fuel/internal/concurrency"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/events"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/lock"
	"github.com/ashleyhindle/fuel/internal/logging"
	"github.com/ashleyhindle/fuel/internal/process"
	"github.com/ashleyhindle/fuel/internal/review"
	"github.com/ashleyhindle/fuel/internal/store"
)

const (
	LogFileName     = "consume.log"
	watchDebounce   = 250 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("consume runner already running")

type Options struct {
	// Once dispatches a single round and exits when those agents finish.
	Once bool
	// Paused starts the runner paused.
	Paused bool
	// LogWriter overrides the log file, for foreground runs and tests.
	LogWriter io.Writer
	// Browser overrides the chromedp backend.
	Browser browser.Backend
	// Registry overrides the prometheus registry.
	Registry *prometheus.Registry
	// WorkDir is where agents run; defaults to the parent of the .fuel dir.
	WorkDir string
}

// Daemon owns every long-lived component of a consume runner.
type Daemon struct {
	paths   config.Paths
	opts    Options
	workDir string
	cfg     *config.Service
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	store    *store.Store
	procs    *process.Manager
	tracker  *health.Tracker
	limiter  *concurrency.Limiter
	bus      *events.Bus
	reviewer *review.AgentReviewer
	runner   *Runner
	server   *ipc.Server
	bridge   *browser.Bridge
	metrics  *Metrics
	registry *prometheus.Registry
	watcher  *fsnotify.Watcher

	startedAt time.Time
	wrotePid  bool
	ready     chan struct{}
	shutdown  sync.Once
}

// New wires a daemon for the .fuel directory dir. Nothing is started and no
// lock is taken until Run.
func New(dir string, opts Options) (*Daemon, error) {
	cfgSvc, err := config.LoadService(dir)
	if err != nil {
		return nil, err
	}
	cfg := cfgSvc.Config()

	var w io.Writer = opts.LogWriter
	var closer io.Closer
	if w == nil {
		f, err := logging.OpenFile(dir, LogFileName)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))

	paths := config.PathsFor(dir)
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = cfg.Consume.WorkDir
	}
	if workDir == "" {
		workDir = filepath.Dir(dir)
	}

	grace := time.Duration(cfg.Consume.KillGraceSec) * time.Second
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	d := &Daemon{
		paths:    paths,
		opts:     opts,
		workDir:  workDir,
		cfg:      cfgSvc,
		logger:   logger.With("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(paths.Lock),
		procs:    process.NewManager(grace, logger),
		tracker:  health.NewTracker(cfgSvc.GetAgentMaxRetries(), health.WithBackoff(cfgSvc.GetBackoff())),
		limiter:  concurrency.NewLimiter(cfgSvc),
		bus:      events.NewBus(0, logger),
		metrics:  MustNewMetrics(registry),
		registry: registry,
		server:   ipc.NewServer(cfg.IPC.Port, logger),
		ready:    make(chan struct{}),
	}
	d.reviewer = review.NewAgentReviewer(cfgSvc, grace, logger, review.WithDir(workDir))

	backend := opts.Browser
	if backend == nil {
		backend = browser.NewChrome(cfg.Browser, logger)
	}
	d.bridge = browser.NewBridge(backend, time.Duration(cfg.Browser.TimeoutSec)*time.Second, logger)
	d.server.OnCommand = func(t ipc.CommandType) { d.metrics.Command(string(t)) }
	return d, nil
}

// Ready is closed once the daemon is accepting commands.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Port is the IPC port, valid after Ready.
func (d *Daemon) Port() int {
	return d.server.Port()
}

func (d *Daemon) Runner() *Runner {
	return d.runner
}

// Run starts every component and blocks until ctx ends (or, with Once, the
// round finishes), then shuts down.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer d.Shutdown()
	if err := d.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, d.fileLock.HolderPID())
		}
		return err
	}
	d.startedAt = time.Now()
	d.logger.Info("consume runner starting pid=%d dir=%s", os.Getpid(), d.paths.Dir)

	st, err := store.Open(d.paths.DB)
	if err != nil {
		return err
	}
	d.store = st
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	d.runner = NewRunner(st, d.procs, d.cfg, d.tracker, d.limiter, d.logger,
		WithReviewer(d.reviewer),
		WithBus(d.bus),
		WithMetrics(d.metrics),
		WithWorkDir(d.workDir),
	)
	if d.opts.Paused {
		d.runner.Pause()
	}

	d.registerHandlers()
	d.forwardEvents()
	if err := d.server.Start(); err != nil {
		return err
	}
	if _, err := ipc.WritePidFile(d.paths.PidFile, d.server.Port()); err != nil {
		return err
	}
	d.wrotePid = true
	d.logger.Info("ipc listening on 127.0.0.1:%d", d.server.Port())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.paths.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.paths.Dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if d.opts.Once {
			return d.runner.RunOnce(gctx)
		}
		return d.runner.Run(gctx)
	})
	g.Go(func() error {
		d.watchLoop(gctx)
		return nil
	})
	if addr := d.cfg.Config().Metrics.Addr; addr != "" {
		g.Go(func() error {
			return d.serveMetrics(gctx, addr)
		})
	}

	close(d.ready)
	d.logger.Info("consume runner ready")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// watchLoop reacts to changes in the .fuel directory: database writes from
// other fuel commands trigger a scan, config edits are reloaded.
func (d *Daemon) watchLoop(ctx context.Context) {
	var (
		timer      *time.Timer
		timerC     <-chan time.Time
		wantScan   bool
		wantReload bool
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			switch {
			case config.IsConfigFile(ev.Name):
				wantReload = true
			case config.IsDBFile(ev.Name):
				wantScan = true
			default:
				continue
			}
			d.logger.Debug("fsnotify event=%s file=%s", ev.Op, ev.Name)
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error=%v", err)
		case <-timerC:
			timer, timerC = nil, nil
			if wantReload {
				d.reloadConfig()
			}
			if wantScan || wantReload {
				d.runner.Trigger()
			}
			wantScan, wantReload = false, false
		}
	}
}

func (d *Daemon) reloadConfig() {
	if err := d.cfg.Reload(); err != nil {
		d.logger.Warn("config reload failed, keeping previous config: %v", err)
		return
	}
	d.tracker.SetMaxRetries(d.cfg.GetAgentMaxRetries())
	d.tracker.SetBackoff(d.cfg.GetBackoff())
	d.logger.Info("config reloaded")
}

func (d *Daemon) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("metrics listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		d.logger.Error("metrics server: %v", err)
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// forwardEvents relays runner events to attached IPC clients.
func (d *Daemon) forwardEvents() {
	d.bus.Subscribe(func(ev events.Event) {
		switch ev.Type {
		case events.TaskCompleted:
			res, ok := ev.Payload.(CompletionResult)
			if !ok {
				return
			}
			d.server.Broadcast(ipc.NewEvent(ipc.EvtTaskCompleted, ipc.TaskCompletedPayload{
				TaskID:          res.TaskID,
				Agent:           res.Agent,
				Result:          string(res.Type),
				ExitCode:        res.ExitCode,
				DurationSeconds: res.Duration.Seconds(),
			}))
		case events.HealthChanged:
			d.server.Broadcast(ipc.NewEvent(ipc.EvtHealthChanged, ev.Payload))
		case events.RunnerPaused, events.RunnerResumed:
			d.server.Broadcast(ipc.NewEvent(ipc.EvtHealthSummary, d.healthSnapshot()))
		}
	}, events.TaskCompleted, events.HealthChanged, events.RunnerPaused, events.RunnerResumed)
}

func (d *Daemon) healthSnapshot() ipc.HealthSnapshot {
	names := d.cfg.AgentNames()
	snap := ipc.HealthSnapshot{
		Agents: d.tracker.Summary(names...),
		Slots:  d.limiter.Snapshot(names...),
	}
	if d.runner != nil {
		snap.Paused = d.runner.Paused()
		snap.InFlight = d.runner.InFlight()
	}
	return snap
}

// Shutdown releases everything Run acquired. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		if d.watcher != nil {
			d.watcher.Close()
		}
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop ipc server: %v", err)
		}
		d.bridge.Shutdown()
		d.reviewer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.procs.KillAll(ctx, KillShutdown); err != nil {
			d.logger.Warn("agents still running at exit: %v", err)
		}
		d.procs.Close()
		d.bus.Close()

		if d.wrotePid {
			if err := ipc.RemovePidFile(d.paths.PidFile, os.Getpid()); err != nil {
				d.logger.Warn("remove pid file: %v", err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.logger.Warn("close store: %v", err)
			}
		}
		d.fileLock.Unlock()
		d.logger.Info("consume runner stopped")
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}
