package session

import (
	"context"
	"log/slog"
	"time"

	"transferclient/internal/credential"
)

// DefaultInterval is how often the monitor revalidates the credential.
const DefaultInterval = 5 * time.Minute

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the check period. Non-positive values keep the default.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// OnExpired registers fn to run after an expired credential was cleared.
func OnExpired(fn func()) MonitorOption {
	return func(m *Monitor) { m.onExpired = fn }
}

// Monitor periodically revalidates the stored credential and clears it once
// the service rejects it.
type Monitor struct {
	checker   *Checker
	store     credential.Store
	interval  time.Duration
	logger    *slog.Logger
	onExpired func()
}

// NewMonitor creates a monitor over store.
func NewMonitor(checker *Checker, store credential.Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		checker:  checker,
		store:    store,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run checks on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one validation and reports whether the credential was cleared.
// Without a stored credential nothing is checked.
func (m *Monitor) Check(ctx context.Context) bool {
	token, err := m.store.Get(ctx)
	if err != nil {
		m.logger.Warn("failed to read credential", "error", err)
		return false
	}
	if token == "" {
		return false
	}

	ok, err := m.checker.CheckAuth(ctx)
	if err != nil {
		m.logger.Warn("credential check failed", "error", err)
		return false
	}
	if ok {
		return false
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("failed to clear expired credential", "error", err)
		return false
	}
	m.logger.Warn("credential expired, cleared")
	if m.onExpired != nil {
		m.onExpired()
	}
	return true
}
