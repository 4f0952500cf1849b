package queue

import (
	"testing"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

func TestMemQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewMemQueue(4)

	e1 := domain.ChangeEvent{PointID: "p1"}
	e2 := domain.ChangeEvent{PointID: "p2"}

	if !q.Enqueue(e1) || !q.Enqueue(e2) {
		t.Fatalf("expected successful enqueue")
	}

	batch := q.DequeueBatch(1)
	if len(batch) != 1 || batch[0].PointID != "p1" {
		t.Fatalf("unexpected first batch: %+v", batch)
	}

	remaining := q.DequeueBatch(10)
	if len(remaining) != 1 || remaining[0].PointID != "p2" {
		t.Fatalf("unexpected second batch: %+v", remaining)
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, got %d", q.Len())
	}
}

func TestMemQueueCapacity(t *testing.T) {
	q := NewMemQueue(2)

	ev := domain.ChangeEvent{PointID: "cap"}

	if !q.Enqueue(ev) || !q.Enqueue(ev) {
		t.Fatalf("expected enqueue within capacity")
	}
	if q.Enqueue(ev) {
		t.Fatalf("enqueue should fail when capacity exceeded")
	}

	q.DequeueBatch(1)
	if !q.Enqueue(ev) {
		t.Fatalf("expected enqueue to succeed after dequeue")
	}
}

func TestMemQueueDequeueAllWhenMaxZero(t *testing.T) {
	q := NewMemQueue(0)
	for i := 0; i < 5; i++ {
		q.Enqueue(domain.ChangeEvent{PointID: "p"})
	}
	if got := len(q.DequeueBatch(0)); got != 5 {
		t.Fatalf("expected all 5 events, got %d", got)
	}
}
