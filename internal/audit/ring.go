package audit

import (
	"sync"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

// Ring keeps the most recent events in memory.
type Ring struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.SecurityEvent
	nextIndex int
}

func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Ring{
		maxSize: maxSize,
		records: make([]*model.SecurityEvent, 0, maxSize),
	}
}

func (b *Ring) Add(ev *model.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, ev)
		return
	}
	b.records[b.nextIndex] = ev
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns matching events, newest first.
func (b *Ring) List(f Filter) []*model.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.SecurityEvent, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		ev := b.records[idx]
		if ev == nil || !f.Match(ev) {
			continue
		}
		results = append(results, ev)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (b *Ring) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
