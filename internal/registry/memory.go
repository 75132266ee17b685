package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry keeps records in a process-local map guarded by a
// single mutex. Contention is low because no operation holds the lock
// across network I/O. Records are retained for the process lifetime.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

// Create inserts a new record. The identifier must be unused.
func (m *MemoryRegistry) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ProcessingID]; ok {
		return ErrExists
	}
	m.records[rec.ProcessingID] = rec.Clone()
	return nil
}

// Get returns a copy of the record for the given identifier.
func (m *MemoryRegistry) Get(_ context.Context, processingID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[processingID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Complete transitions a record to completed with the given result.
func (m *MemoryRegistry) Complete(_ context.Context, processingID string, result *Result) (*Record, error) {
	return m.transition(processingID, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = result
		rec.Error = ""
	})
}

// Fail transitions a record to error with a failure description.
func (m *MemoryRegistry) Fail(_ context.Context, processingID string, message string) (*Record, error) {
	return m.transition(processingID, func(rec *Record) {
		rec.Status = StatusError
		rec.Result = nil
		rec.Error = message
	})
}

func (m *MemoryRegistry) transition(processingID string, apply func(*Record)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[processingID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec.Clone(), ErrTerminal
	}
	apply(rec)
	now := time.Now().UTC()
	rec.CompletedAt = &now
	return rec.Clone(), nil
}

// Stats counts records by status.
func (m *MemoryRegistry) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{}
	for _, rec := range m.records {
		stats.Total++
		switch rec.Status {
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Errored++
		}
	}
	return stats, nil
}
