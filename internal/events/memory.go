package events

import (
	"context"
	"sync"
)

// MemoryLog implements Log with in-memory per-partition slices. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryLog struct {
	mu         sync.RWMutex
	partitions map[string][]OrderPlaced
}

// NewMemoryLog creates a new in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[string][]OrderPlaced),
	}
}

func (l *MemoryLog) Append(_ context.Context, partitionKey string, fact OrderPlaced) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partitions[partitionKey] = append(l.partitions[partitionKey], fact)
	return nil
}

// Partition returns a copy of the facts appended under one partition key,
// in append order. Consumer-side view for tests.
func (l *MemoryLog) Partition(key string) []OrderPlaced {
	l.mu.RLock()
	defer l.mu.RUnlock()

	facts := l.partitions[key]
	out := make([]OrderPlaced, len(facts))
	copy(out, facts)
	return out
}
