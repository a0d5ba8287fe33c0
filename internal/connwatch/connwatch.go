// Package connwatch monitors the bridge's external dependencies: the
// billing portal and the MQTT broker. It is distinct from httpkit's
// transport-level retry, which covers sub-second dial races; connwatch
// covers multi-second to multi-minute outages, portal maintenance
// windows, and broker restarts.
//
// Each Watcher probes one service in two phases: a startup phase with
// exponential backoff (2s, 4s, 8s, ... capped at 60s), then periodic
// background polling with state-transition callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks whether a service is reachable. Return nil if healthy.
// Must be safe for concurrent use.
type Probe func(ctx context.Context) error

// BackoffConfig controls the startup backoff and background polling
// cadence.
type BackoffConfig struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// MaxRetries bounds the startup probe attempts.
	MaxRetries int

	// PollInterval is the background check interval once the startup
	// phase ends. For the portal watcher this should stay coarse; a
	// health probe is still a request against a rate-limited upstream.
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 2s, 4s, 8s,
// 16s, 32s, 60s capped, 10 startup retries, 60-second background
// polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output, e.g.
	// "portal" or "mqtt".
	Name string

	// Probe checks service health.
	Probe Probe

	// Backoff controls retry timing; zero-value fields get defaults.
	Backoff BackoffConfig

	// OnReady fires when the service transitions to reachable. Runs on
	// its own goroutine. Optional.
	OnReady func()

	// OnDown fires when the service transitions to unreachable. Runs
	// on its own goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service, shaped for the
// health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.startup(ctx) {
		w.background(ctx)
	}
}

// startup probes with exponential backoff until the service answers
// or the retry budget runs out. Returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.cfg.Backoff
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.ready.Store(true)
			w.cfg.Logger.Info("service reachable",
				"service", w.cfg.Name, "after_attempts", attempt)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			return true
		}

		if attempt == cfg.MaxRetries {
			w.cfg.Logger.Info("service unreachable at startup, polling in background",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			return true
		}

		w.cfg.Logger.Debug("startup probe failed",
			"service", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return true
}

// background polls on a fixed interval and fires the transition
// callbacks on state changes.
func (w *Watcher) background(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		w.record(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			w.cfg.Logger.Info("service became unreachable",
				"service", w.cfg.Name, "error", err)
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			w.cfg.Logger.Info("service recovered", "service", w.cfg.Name)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		case !wasReady:
			w.cfg.Logger.Debug("service still unreachable",
				"service", w.cfg.Name, "error", err)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs in a background
// goroutine until ctx is cancelled or Stop is called.
//
// Panics on an empty Name or nil Probe; those are programming errors.
// Zero-value BackoffConfig fields get defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
