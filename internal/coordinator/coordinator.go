// Package coordinator owns the polling cadence against the billing
// portal and the in-memory snapshot every consumer reads from. One
// fetch cycle runs at a time; refreshes requested while a cycle is in
// flight join it instead of stacking extra portal calls on a
// rate-limited upstream.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eircbridge/eircbridge/internal/eirc"
	"github.com/eircbridge/eircbridge/internal/state"
)

// PortalAPI is the slice of the portal client the coordinator needs.
type PortalAPI interface {
	Accounts(ctx context.Context) ([]eirc.Account, error)
	Meters(ctx context.Context, accountID int64) ([]eirc.Meter, error)
	Balance(ctx context.Context, accountID int64) (eirc.Balance, error)
	SubmitReading(ctx context.Context, accountID int64, meter eirc.Meter, scaleID int64, value float64) error
}

// Recorder receives an audit entry for every accepted reading
// submission.
type Recorder interface {
	RecordSubmission(sub state.Submission) error
}

// AccountData is everything known about one billing account in a
// snapshot. Stale marks data carried over from an earlier cycle after
// a partial fetch failure.
type AccountData struct {
	Account eirc.Account
	Meters  []eirc.Meter
	Balance eirc.Balance
	Stale   bool
}

// Snapshot is one immutable view of all polled portal data. Consumers
// must not mutate it; a new snapshot replaces it wholesale on every
// successful cycle.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time

	// Accounts is keyed by tenancy register.
	Accounts map[string]AccountData
}

// Status describes the coordinator's health for diagnostics.
type Status struct {
	HasSnapshot         bool
	Version             uint64
	FetchedAt           time.Time
	LastAttempt         time.Time
	LastError           string
	ConsecutiveFailures int
	AuthRequired        bool
}

// Config configures a Coordinator.
type Config struct {
	// Client talks to the portal.
	Client PortalAPI

	// Recorder persists the submission audit log. Optional.
	Recorder Recorder

	// Interval between scheduled poll cycles.
	Interval time.Duration

	// Accounts optionally restricts polling to these tenancy
	// registers. Empty means all visible accounts.
	Accounts []string

	// Logger for structured logging.
	Logger *slog.Logger
}

// flight is one in-progress fetch cycle. Joiners block on done and
// then read snap/err, which are written before done is closed.
type flight struct {
	done chan struct{}
	snap Snapshot
	err  error
}

// Coordinator polls the portal on a fixed interval and maintains the
// current Snapshot. Safe for concurrent use.
type Coordinator struct {
	cfg      Config
	accounts map[string]bool // tenancy filter, nil = all

	mu        sync.Mutex
	snap      Snapshot
	hasSnap   bool
	inflight  *flight
	listeners []func(Snapshot)

	lastAttempt  time.Time
	lastErr      error
	failures     int
	authRequired bool
}

// New creates a coordinator. Polling starts with Start.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	var filter map[string]bool
	if len(cfg.Accounts) > 0 {
		filter = make(map[string]bool, len(cfg.Accounts))
		for _, a := range cfg.Accounts {
			filter[a] = true
		}
	}
	return &Coordinator{cfg: cfg, accounts: filter}
}

// AddListener registers a callback invoked with every new snapshot.
// Listeners run synchronously on the fetching goroutine; register
// before Start.
func (c *Coordinator) AddListener(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start runs the polling loop until ctx is cancelled. It blocks.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	if _, err := c.Refresh(ctx); err != nil {
		c.cfg.Logger.Warn("initial poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.authBlocked() {
				c.cfg.Logger.Debug("skipping poll, operator login required")
				continue
			}
			if _, err := c.Refresh(ctx); err != nil {
				c.cfg.Logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Snapshot returns the current snapshot. The second return is false
// before the first successful cycle.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.hasSnap
}

// Status returns the coordinator's current health.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		HasSnapshot:         c.hasSnap,
		LastAttempt:         c.lastAttempt,
		ConsecutiveFailures: c.failures,
		AuthRequired:        c.authRequired,
	}
	if c.hasSnap {
		s.Version = c.snap.Version
		s.FetchedAt = c.snap.FetchedAt
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Refresh runs a fetch cycle now, or joins the cycle already in
// flight. All callers of a coalesced cycle observe the same result.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if f := c.inflight; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.snap, f.err
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight = f
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	snap, err := c.fetch(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		c.lastErr = err
		c.failures++
		if eirc.IsAuthProblem(err) {
			c.authRequired = true
		}
	} else {
		c.lastErr = nil
		c.failures = 0
		c.authRequired = false
		snap.Version = c.snap.Version + 1
		c.snap = snap
		c.hasSnap = true
	}
	listeners := c.listeners
	published := c.snap
	ok := c.hasSnap
	c.mu.Unlock()

	f.snap = published
	f.err = err
	close(f.done)

	if err == nil && ok {
		for _, fn := range listeners {
			fn(published)
		}
	}
	return published, err
}

// fetch runs one full cycle: account list, then meters and balance per
// account. A per-account failure carries the previous cycle's data
// forward marked stale; only an account list failure fails the cycle.
func (c *Coordinator) fetch(ctx context.Context) (Snapshot, error) {
	started := time.Now()

	accounts, err := c.cfg.Client.Accounts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list accounts: %w", err)
	}

	prev, hadPrev := c.Snapshot()
	data := make(map[string]AccountData)
	var failed []string

	for _, acct := range accounts {
		register := acct.Tenancy.Register
		if !acct.Confirmed {
			c.cfg.Logger.Debug("skipping unconfirmed account", "tenancy", register)
			continue
		}
		if c.accounts != nil && !c.accounts[register] {
			continue
		}

		entry := AccountData{Account: acct}

		meters, err := c.cfg.Client.Meters(ctx, acct.ID)
		if err == nil {
			entry.Meters = meters
			entry.Balance, err = c.cfg.Client.Balance(ctx, acct.ID)
		}
		if err != nil {
			if eirc.IsAuthProblem(err) {
				return Snapshot{}, fmt.Errorf("account %s: %w", register, err)
			}
			failed = append(failed, register)
			c.cfg.Logger.Warn("account fetch failed, carrying previous data",
				"tenancy", register, "error", err)
			if hadPrev {
				if old, ok := prev.Accounts[register]; ok {
					old.Stale = true
					data[register] = old
					continue
				}
			}
			entry.Stale = true
			data[register] = entry
			continue
		}

		data[register] = entry
	}

	if len(data) == 0 && len(failed) > 0 {
		return Snapshot{}, fmt.Errorf("all %d accounts failed to fetch", len(failed))
	}

	c.cfg.Logger.Info("poll cycle complete",
		"accounts", len(data),
		"failed", len(failed),
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)
	return Snapshot{FetchedAt: time.Now(), Accounts: data}, nil
}

// SubmitReading submits a meter reading via the portal, records it in
// the audit log, and refreshes the snapshot so consumers see the new
// value without waiting for the next cycle. The meter is addressed by
// registration number and scale within the current snapshot.
func (c *Coordinator) SubmitReading(ctx context.Context, registration string, scaleID int64, value float64) error {
	snap, ok := c.Snapshot()
	if !ok {
		return errors.New("no data yet, cannot resolve meter")
	}

	accountID, meter, err := findMeter(snap, registration)
	if err != nil {
		return err
	}

	if err := c.cfg.Client.SubmitReading(ctx, accountID, meter, scaleID, value); err != nil {
		return err
	}

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordSubmission(state.Submission{
			AccountID:    accountID,
			Registration: registration,
			ScaleID:      scaleID,
			Value:        value,
			SubmittedAt:  time.Now(),
		}); err != nil {
			c.cfg.Logger.Warn("failed to record submission", "error", err)
		}
	}

	if _, err := c.Refresh(ctx); err != nil {
		// The reading went through; a failed refresh only delays the
		// updated value until the next cycle.
		c.cfg.Logger.Warn("post-submission refresh failed", "error", err)
	}
	return nil
}

func (c *Coordinator) authBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authRequired
}

func findMeter(snap Snapshot, registration string) (int64, eirc.Meter, error) {
	for _, acct := range snap.Accounts {
		for _, m := range acct.Meters {
			if m.ID.Registration == registration {
				return acct.Account.ID, m, nil
			}
		}
	}
	return 0, eirc.Meter{}, fmt.Errorf("unknown meter %q", registration)
}
