package statemanager

import (
	"context"
	"sync"
	"time"

	"gitpulse.dev/indexer/pipeline"
)

// StuckCounter reports how many indexing-state rows are currently claimed
// "running" past the sweep threshold. Satisfied by db.StateStore.CountStuck;
// accepted as an interface here so this package never imports db.
type StuckCounter interface {
	CountStuck(ctx context.Context, threshold time.Duration) (int, error)
}

// Manager handles state tracking for operations
type Manager struct {
	mu             sync.RWMutex
	operations     map[string]*OperationState
	maxOperations  int
	serviceName    string
	stuck          StuckCounter
	stuckThreshold time.Duration
}

// Config for creating a new Manager
type Config struct {
	ServiceName    string
	MaxOperations  int // Keep last N operations, default 1000
	Stuck          StuckCounter
	StuckThreshold time.Duration // default 1h, matches the sweeper's reap threshold
}

// New creates a new state manager
func New(cfg Config) *Manager {
	if cfg.MaxOperations == 0 {
		cfg.MaxOperations = 1000
	}
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = time.Hour
	}
	return &Manager{
		operations:     make(map[string]*OperationState),
		maxOperations:  cfg.MaxOperations,
		serviceName:    cfg.ServiceName,
		stuck:          cfg.Stuck,
		stuckThreshold: cfg.StuckThreshold,
	}
}

// StartOperation creates a new operation in running state. repositoryID and
// entityKind are recorded so the health report can break down runs without
// needing a second store lookup; either may be zero/empty for operations
// outside the indexing pipelines.
func (m *Manager) StartOperation(id, operation string, repositoryID int64, entityKind string, metadata map[string]interface{}) *OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Evict oldest if at capacity
	if len(m.operations) >= m.maxOperations {
		m.evictOldest()
	}

	op := &OperationState{
		ID:           id,
		ServiceName:  m.serviceName,
		Operation:    operation,
		Status:       StatusRunning,
		RepositoryID: repositoryID,
		EntityKind:   entityKind,
		StartedAt:    time.Now(),
		Metadata:     metadata,
	}

	m.operations[id] = op
	return op
}

// CompleteOperation marks an operation as completed or failed. category is
// the pipeline.ErrorCategory string (empty on success) the health report
// buckets failures by.
func (m *Manager) CompleteOperation(id string, category string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, exists := m.operations[id]; exists {
		now := time.Now()
		op.CompletedAt = &now
		op.Duration = now.Sub(op.StartedAt).String()
		op.Category = category

		if err != nil {
			op.Status = StatusFailed
			op.Error = err.Error()
		} else {
			op.Status = StatusCompleted
		}
	}
}

// UpdateMetadata adds/updates metadata for an operation
func (m *Manager) UpdateMetadata(id string, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, exists := m.operations[id]; exists {
		if op.Metadata == nil {
			op.Metadata = make(map[string]interface{})
		}
		op.Metadata[key] = value
	}
}

// GetOperation retrieves an operation by ID
func (m *Manager) GetOperation(id string) *OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if op, exists := m.operations[id]; exists {
		// Return a copy to prevent external modification
		opCopy := *op
		return &opCopy
	}
	return nil
}

// ListOperations returns all tracked operations
func (m *Manager) ListOperations() []*OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]*OperationState, 0, len(m.operations))
	for _, op := range m.operations {
		// Return copies to prevent external modification
		opCopy := *op
		ops = append(ops, &opCopy)
	}
	return ops
}

// GetStats returns aggregated statistics
func (m *Manager) GetStats() *OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &OperationStats{
		TotalOperations: len(m.operations),
		ByStatus:        make(map[Status]int),
		ByOperation:     make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, op := range m.operations {
		stats.ByStatus[op.Status]++
		stats.ByOperation[op.Operation]++

		if op.CompletedAt != nil {
			totalDuration += op.CompletedAt.Sub(op.StartedAt)
			completedCount++
		}
	}

	if completedCount > 0 {
		avgDuration := totalDuration / time.Duration(completedCount)
		stats.AverageDuration = avgDuration.String()
	}

	return stats
}

// HealthSince reports error counts per category, average execution time, and
// rate-limited run count for operations completed at or after since, plus
// the current stuck-row count from the injected StuckCounter (best-effort:
// a lookup failure is recorded in StuckCountError rather than failing the
// whole report).
func (m *Manager) HealthSince(ctx context.Context, since time.Time) *HealthReport {
	m.mu.RLock()
	report := &HealthReport{
		WindowStart:      since,
		ErrorsByCategory: make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, op := range m.operations {
		if op.CompletedAt == nil || op.CompletedAt.Before(since) {
			continue
		}
		report.TotalRuns++
		totalDuration += op.CompletedAt.Sub(op.StartedAt)
		completedCount++

		if op.Status == StatusFailed && op.Category != "" {
			report.ErrorsByCategory[op.Category]++
			if op.Category == string(pipeline.CategoryRateLimited) {
				report.RateLimitedCount++
			}
		}
	}
	m.mu.RUnlock()

	if completedCount > 0 {
		report.AverageExecutionTime = (totalDuration / time.Duration(completedCount)).String()
	}

	if m.stuck != nil {
		count, err := m.stuck.CountStuck(ctx, m.stuckThreshold)
		if err != nil {
			report.StuckCountError = err.Error()
		} else {
			report.StuckCount = count
		}
	}

	return report
}

// evictOldest removes the oldest operation (must be called with lock held)
func (m *Manager) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, op := range m.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = op.StartedAt
		}
	}

	if oldestID != "" {
		delete(m.operations, oldestID)
	}
}
