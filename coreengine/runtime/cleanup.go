package runtime

import (
	"time"
)

// CleanupConfig controls how long finished workflows stay queryable.
type CleanupConfig struct {
	// Interval is how often to sweep (default: 5 minutes).
	Interval time.Duration
	// Retention is how long a finished workflow is kept after completion (default: 1 hour).
	Retention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:  5 * time.Minute,
		Retention: 1 * time.Hour,
	}
}

// StartCleanupLoop sweeps finished workflows in the background.
// Returns a stop function that should be called to stop the loop.
func (m *Manager) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func (m *Manager) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cleanup_panic_recovered", "error", r)
		}
	}()

	removed := m.CleanupFinished(cfg.Retention)
	m.logger.Debug("cleanup_cycle_completed", "workflows_cleaned", removed)
}

// CleanupFinished drops workflows that completed more than retention ago
// and returns how many were removed. Running workflows are never removed.
func (m *Manager) CleanupFinished(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, inst := range m.instances {
		snap := inst.wc.Snapshot()
		if snap.CompletedAt == nil || snap.CompletedAt.After(cutoff) {
			continue
		}
		select {
		case <-inst.done:
		default:
			continue
		}
		delete(m.instances, id)
		removed++
	}
	return removed
}
