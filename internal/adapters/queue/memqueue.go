package queue

import (
	"sync"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// MemQueue is a bounded in-memory event buffer that preserves FIFO ordering.
type MemQueue struct {
	mu   sync.Mutex
	data []domain.ChangeEvent
	cap  int
}

func NewMemQueue(capacity int) *MemQueue {
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &MemQueue{
		data: make([]domain.ChangeEvent, 0, initial),
		cap:  capacity,
	}
}

func (q *MemQueue) Enqueue(ev domain.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cap > 0 && len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, ev)
	return true
}

func (q *MemQueue) DequeueBatch(max int) []domain.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]domain.ChangeEvent, max)
	copy(out, q.data[:max])
	n := copy(q.data, q.data[max:])
	clear(q.data[n:])
	q.data = q.data[:n]
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.EventQueue = (*MemQueue)(nil)
