// Package invalidation schedules and dispatches cache invalidation:
// time-based (fixed intervals or cron schedules), event-based (named
// application events on a process-wide bus), and query-based (write SQL
// statements mapped to affected tables). Strategies only call the
// facade's invalidation surface; they never touch store internals.
package invalidation

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/quanvm/tiercache/cache"
)

// Invalidator is the facade surface strategies invalidate through.
// *cache.Manager satisfies it.
type Invalidator interface {
	Clear(ctx context.Context, namespace, pattern string) int
	InvalidateByTags(ctx context.Context, tags []string) int
	InvalidateNamespace(ctx context.Context, namespace string) bool
}

// Rule describes what one firing invalidates. All set fields apply:
// the namespace version is bumped, each pattern is cleared, and the
// tags are invalidated. A zero Rule does nothing.
type Rule struct {
	// Namespace to invalidate wholesale via a version bump.
	Namespace string

	// Patterns to clear. Cleared within Namespace when one is set.
	Patterns []string

	// Tags to invalidate. Tags are global, not namespaced.
	Tags []string
}

// Apply runs the rule against inv, best-effort with logging.
func (r Rule) Apply(ctx context.Context, inv Invalidator, logger cache.Logger) {
	if r.Namespace != "" {
		if !inv.InvalidateNamespace(ctx, r.Namespace) {
			logger.Warn("namespace invalidation failed", "namespace", r.Namespace)
		}
	}
	for _, pattern := range r.Patterns {
		n := inv.Clear(ctx, r.Namespace, pattern)
		logger.Debug("pattern cleared", "pattern", pattern, "namespace", r.Namespace, "count", n)
	}
	if len(r.Tags) > 0 {
		n := inv.InvalidateByTags(ctx, r.Tags)
		logger.Debug("tags invalidated", "tags", r.Tags, "count", n)
	}
}

// Strategy is one source of invalidation triggers.
type Strategy interface {
	// Name identifies the strategy within a Manager.
	Name() string

	// Start arms the strategy against inv. Firing is best-effort and
	// never blocks the path that triggered it.
	Start(inv Invalidator) error

	// Stop disarms the strategy and waits for an in-flight firing.
	Stop()
}

// Manager owns a set of named strategies and their lifecycle.
type Manager struct {
	inv    Invalidator
	logger cache.Logger

	mu         sync.Mutex
	strategies map[string]Strategy
	started    bool
}

// NewManager creates a strategy manager dispatching into inv.
func NewManager(inv Invalidator, logger cache.Logger) *Manager {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Manager{
		inv:        inv,
		logger:     logger,
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy. When the manager is already running the
// strategy is started immediately.
func (m *Manager) Register(s Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.strategies[s.Name()]; dup {
		return errors.Errorf("strategy %q already registered", s.Name())
	}
	m.strategies[s.Name()] = s

	if m.started {
		return s.Start(m.inv)
	}
	return nil
}

// Deregister stops and removes a strategy by name.
func (m *Manager) Deregister(name string) {
	m.mu.Lock()
	s, ok := m.strategies[name]
	delete(m.strategies, name)
	started := m.started
	m.mu.Unlock()

	if ok && started {
		s.Stop()
	}
}

// Start arms every registered strategy.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	for name, s := range m.strategies {
		if err := s.Start(m.inv); err != nil {
			return errors.Wrapf(err, "starting strategy %q", name)
		}
	}
	m.started = true
	return nil
}

// Stop disarms every strategy and waits for in-flight firings.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	strategies := make([]Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		strategies = append(strategies, s)
	}
	m.mu.Unlock()

	for _, s := range strategies {
		s.Stop()
	}
}
