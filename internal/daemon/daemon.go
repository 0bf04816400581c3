// Package daemon runs the HTTP surface and the periodic maintenance run
// for a long-lived process.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// State represents the current daemon state.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunFunc is the function called on each scheduled run.
type RunFunc func(ctx context.Context) error

// ShutdownHook releases a resource once the HTTP server has stopped.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

const (
	defaultHTTPAddr        = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	triggerTimeout         = 30 * time.Minute
)

var errRunInProgress = errors.New("run already in progress")

// Daemon manages the lifecycle of a long-running extension-guard process.
type Daemon struct {
	log             logger.Logger
	runFunc         RunFunc
	schedule        string
	httpAddr        string
	handler         http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	hooks           []ShutdownHook

	state      atomic.Int32
	running    atomic.Bool
	lastRun    time.Time
	lastErr    error
	runCount   int64
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	hooksOnce  sync.Once
	httpServer *http.Server
	listener   net.Listener
}

// Config holds daemon configuration.
type Config struct {
	Schedule        string       // "6h" or "@every 6h"; empty disables the scheduler
	HTTPAddr        string       // listen address for the API and health endpoints
	Handler         http.Handler // API routes served next to the daemon endpoints
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ShutdownHooks   []ShutdownHook // run in order after the HTTP server stops
}

// New creates a new daemon instance.
func New(log logger.Logger, runFunc RunFunc, cfg Config) *Daemon {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	d := &Daemon{
		log:             logger.OrNop(log),
		runFunc:         runFunc,
		schedule:        cfg.Schedule,
		httpAddr:        cfg.HTTPAddr,
		handler:         cfg.Handler,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		hooks:           cfg.ShutdownHooks,
		stopCh:          make(chan struct{}),
	}
	d.state.Store(int32(StateStarting))

	return d
}

// Run starts the daemon and blocks until shutdown.
// It handles SIGINT and SIGTERM for graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("daemon starting", logger.F("http_addr", d.httpAddr), logger.F("schedule", d.schedule))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := d.startHTTP(); err != nil {
		d.runShutdownHooks()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	d.state.Store(int32(StateReady))
	d.log.Info("daemon ready", logger.F("addr", d.Addr()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var schedulerDone chan struct{}
	if d.schedule != "" {
		schedulerDone = make(chan struct{})
		go d.runScheduler(ctx, schedulerDone)
	}

	select {
	case sig := <-sigCh:
		d.log.Info("received signal", logger.F("signal", sig.String()))
	case <-ctx.Done():
		d.log.Info("context canceled")
	case <-d.stopCh:
		d.log.Info("stop requested")
	}

	d.state.Store(int32(StateStopping))
	d.log.Info("daemon stopping")

	cancel()
	if schedulerDone != nil {
		<-schedulerDone
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer shutdownCancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("HTTP server shutdown error", logger.Err(err))
	}

	d.runShutdownHooks()

	d.state.Store(int32(StateStopped))
	d.log.Info("daemon stopped")

	return nil
}

// Stop signals the daemon to shut down. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// TriggerRun manually triggers a run (for API use).
// Returns error if a run is already in progress.
func (d *Daemon) TriggerRun(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errRunInProgress
	}
	defer d.running.Store(false)

	return d.safeExecuteRun(ctx)
}

// State returns the current daemon state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// IsRunning returns true if a maintenance run is currently in progress.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// LastRun returns info about the last run.
func (d *Daemon) LastRun() (time.Time, int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRun, d.runCount, d.lastErr
}

// Addr returns the bound listen address once the HTTP server started.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return d.httpAddr
	}
	return d.listener.Addr().String()
}

// runScheduler runs maintenance on the configured schedule.
func (d *Daemon) runScheduler(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval, err := parseSchedule(d.schedule)
	if err != nil {
		d.log.Error("invalid schedule", logger.F("schedule", d.schedule), logger.Err(err))
		return
	}
	if interval <= 0 {
		d.log.Error("invalid schedule", logger.F("schedule", d.schedule), logger.F("error", "interval must be positive"))
		return
	}

	d.log.Info("scheduler started", logger.F("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Debug("scheduler stopping")
			return
		case <-ticker.C:
			if d.running.CompareAndSwap(false, true) {
				d.state.Store(int32(StateRunning))
				err := d.safeExecuteRun(ctx)
				if err != nil && ctx.Err() == nil {
					d.log.Error("scheduled run failed", logger.Err(err))
				}
				d.state.CompareAndSwap(int32(StateRunning), int32(StateReady))
				d.running.Store(false)
			} else {
				d.log.Warn("skipping scheduled run - previous run still in progress")
			}
		}
	}
}

// safeExecuteRun runs executeRun and turns a panic into a recorded error.
func (d *Daemon) safeExecuteRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			d.log.Error("maintenance run panicked",
				logger.F("panic", fmt.Sprint(r)),
				logger.F("stack", string(debug.Stack())))
			d.recordRun(time.Now(), err)
		}
	}()
	return d.executeRun(ctx)
}

// executeRun performs a single maintenance run.
func (d *Daemon) executeRun(ctx context.Context) error {
	if d.runFunc == nil {
		return nil
	}
	d.log.Info("starting maintenance run")
	start := time.Now()

	err := d.runFunc(ctx)
	d.recordRun(start, err)

	duration := time.Since(start)
	if err != nil {
		d.log.Error("maintenance run failed",
			logger.F("duration", duration.String()),
			logger.Err(err))
	} else {
		d.log.Info("maintenance run completed", logger.F("duration", duration.String()))
	}

	return err
}

func (d *Daemon) recordRun(start time.Time, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRun = start
	d.lastErr = err
	d.runCount++
}

// runShutdownHooks releases resources exactly once.
func (d *Daemon) runShutdownHooks() {
	d.hooksOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
		defer cancel()
		for _, h := range d.hooks {
			if h.Fn == nil {
				continue
			}
			if err := h.Fn(ctx); err != nil {
				d.log.Warn("shutdown hook failed", logger.F("hook", h.Name), logger.Err(err))
			}
		}
	})
}

// parseSchedule parses a simple schedule string into a duration.
// Supports: "1h", "30m", "6h", etc. or cron-like "@every 1h".
func parseSchedule(s string) (time.Duration, error) {
	if len(s) > 7 && s[:7] == "@every " {
		s = s[7:]
	}

	return time.ParseDuration(s)
}

// startHTTP binds the listen address and serves the daemon endpoints
// plus the configured API handler.
func (d *Daemon) startHTTP() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/ready", d.handleReady)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/trigger", d.handleTrigger)
	if d.handler != nil {
		mux.Handle("/", d.handler)
	}

	ln, err := net.Listen("tcp", d.httpAddr)
	if err != nil {
		return err
	}
	d.listener = ln
	d.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       d.readTimeout,
		WriteTimeout:      d.writeTimeout,
	}

	go func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("HTTP server error", logger.Err(err))
		}
	}()

	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	d.writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  d.State().String(),
	})
}

// handleReady reports not ready while starting or shutting down.
func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := d.State()
	ready := state == StateReady || state == StateRunning
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	d.writeJSONResponse(w, status, map[string]any{
		"ready": ready,
		"state": state.String(),
	})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	lastRun, runCount, lastErr := d.LastRun()

	errStr := ""
	if lastErr != nil {
		errStr = lastErr.Error()
	}
	lastRunStr := ""
	if !lastRun.IsZero() {
		lastRunStr = lastRun.Format(time.RFC3339)
	}

	d.writeJSONResponse(w, http.StatusOK, map[string]any{
		"state":      d.State().String(),
		"running":    d.IsRunning(),
		"last_run":   lastRunStr,
		"last_error": errStr,
		"run_count":  runCount,
		"schedule":   d.schedule,
	})
}

// handleTrigger runs maintenance synchronously (POST only).
func (d *Daemon) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		d.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	err := d.TriggerRun(ctx)
	switch {
	case errors.Is(err, errRunInProgress):
		d.writeJSONResponse(w, http.StatusConflict, map[string]any{
			"triggered": false,
			"error":     err.Error(),
		})
		return
	case err != nil:
		d.writeJSONResponse(w, http.StatusInternalServerError, map[string]any{
			"triggered": true,
			"error":     err.Error(),
		})
		return
	}
	d.writeJSONResponse(w, http.StatusOK, map[string]any{"triggered": true})
}

func (d *Daemon) writeJSONError(w http.ResponseWriter, status int, message string) {
	d.writeJSONResponse(w, status, map[string]string{"error": message})
}

func (d *Daemon) writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.log.Debug("writing response failed", logger.Err(err))
	}
}
