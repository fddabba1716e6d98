package state

import (
	"sync"
	"time"

	"healthwatch/internal/model"
)

// Latest holds the most recent cycle result for read-only consumers such
// as the status API. Writers replace the whole value; readers get a copy.
type Latest struct {
	mu        sync.RWMutex
	result    model.CycleResult
	updatedAt time.Time
}

func NewLatest() *Latest {
	return &Latest{}
}

func (l *Latest) Update(result model.CycleResult) {
	l.mu.Lock()
	l.result = result
	l.updatedAt = time.Now().UTC()
	l.mu.Unlock()
}

func (l *Latest) Get() (model.CycleResult, time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.result, l.updatedAt, !l.updatedAt.IsZero()
}

// AnomalyBuffer keeps a bounded in-memory window of recent anomaly
// events, newest last. The store remains the source of truth; this
// buffer only spares the API a query for the common "what just
// happened" case.
type AnomalyBuffer struct {
	mu    sync.RWMutex
	buf   []model.AnomalyEvent
	limit int
}

func NewAnomalyBuffer(limit int) *AnomalyBuffer {
	if limit <= 0 {
		limit = 1000
	}
	return &AnomalyBuffer{limit: limit}
}

func (b *AnomalyBuffer) Add(events ...model.AnomalyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		if len(b.buf) < b.limit {
			b.buf = append(b.buf, ev)
			continue
		}
		copy(b.buf, b.buf[1:])
		b.buf[len(b.buf)-1] = ev
	}
}

func (b *AnomalyBuffer) List(limit int) []model.AnomalyEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.buf) {
		limit = len(b.buf)
	}
	out := make([]model.AnomalyEvent, 0, limit)
	for i := len(b.buf) - limit; i < len(b.buf); i++ {
		out = append(out, b.buf[i])
	}
	return out
}

func (b *AnomalyBuffer) Since(ts time.Time) []model.AnomalyEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.AnomalyEvent, 0)
	for _, ev := range b.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *AnomalyBuffer) Clear() {
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
}
