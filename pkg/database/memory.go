package database

import (
	"context"
	"sort"
	"sync"

	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

// AttackStore persists attack batches and aggregates them.
type AttackStore interface {
	// Persist stores every event of the batch or none of them.
	Persist(ctx context.Context, batch models.AttackBatch) error
	// AggregateBySource counts attacks with a destination per source country.
	AggregateBySource(ctx context.Context) (models.Aggregate, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// MemoryStore keeps attacks in process memory.
// Use this when no database is configured; data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.AttackEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Persist(ctx context.Context, batch models.AttackBatch) error {
	if len(batch) == 0 {
		return nil
	}
	m.mu.Lock()
	m.events = append(m.events, batch...)
	m.mu.Unlock()
	metrics.RowsWritten.Add(float64(len(batch)))
	return nil
}

func (m *MemoryStore) AggregateBySource(ctx context.Context) (models.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return models.Aggregate{}, &QueryError{Err: err}
	}

	m.mu.RLock()
	counts := make(map[string]int64)
	for _, event := range m.events {
		if event.DestinationCountry == "" {
			continue
		}
		counts[event.SourceCountry]++
	}
	m.mu.RUnlock()

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	agg := models.EmptyAggregate()
	for _, label := range labels {
		agg.Append(label, counts[label])
	}
	return agg, nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
