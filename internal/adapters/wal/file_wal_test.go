package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

func TestFileWALAppendIterateAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}

	b1 := testBatch("batch-1", "p1")
	b2 := testBatch("batch-2", "p2")

	id1, err := w.Append(b1)
	if err != nil || id1 == 0 {
		t.Fatalf("append batch 1: %v id=%d", err, id1)
	}
	id2, err := w.Append(b2)
	if err != nil || id2 == 0 {
		t.Fatalf("append batch 2: %v id=%d", err, id2)
	}

	var iterated []string
	if err := w.Iterate(1, func(id ports.WALEntryID, b domain.Batch) error {
		iterated = append(iterated, b.ID)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(iterated) != 2 || iterated[0] != "batch-1" || iterated[1] != "batch-2" {
		t.Fatalf("unexpected iteration order: %v", iterated)
	}

	if err := w.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	// Reopen and ensure committed metadata was persisted.
	w2, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}

	stats := w2.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2, stats.OldestUncommitted)
	}

	var replay []domain.Batch
	if err := w2.Iterate(stats.OldestUncommitted, func(_ ports.WALEntryID, b domain.Batch) error {
		replay = append(replay, b)
		return nil
	}); err != nil {
		t.Fatalf("iterate after reopen: %v", err)
	}
	if len(replay) != 1 || replay[0].ID != "batch-2" || replay[0].Events[0].PointID != "p2" {
		t.Fatalf("unexpected replay: %+v", replay)
	}

	if err := w2.Close(); err != nil {
		t.Fatalf("close wal2: %v", err)
	}

	// Ensure truncation handles partial writes by manually corrupting the log.
	if err := appendGarbage(filepath.Join(dir, "batches.wal")); err != nil {
		t.Fatalf("append garbage: %v", err)
	}

	w3, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer w3.Close()
	if got := w3.Stats().LatestAppended; got != id2 {
		t.Fatalf("expected torn tail to be dropped, latest=%d", got)
	}
}

func TestFileWALTruncateCommitted(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	defer w.Close()

	id, err := w.Append(testBatch("batch-1", "p1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := w.TruncateCommitted(); err != nil {
		t.Fatalf("truncate uncommitted: %v", err)
	}
	if w.Stats().SizeBytes == 0 {
		t.Fatalf("uncommitted entries must survive truncation")
	}

	if err := w.Commit(id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.TruncateCommitted(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if size := w.Stats().SizeBytes; size != 0 {
		t.Fatalf("expected empty log, size=%d", size)
	}

	next, err := w.Append(testBatch("batch-2", "p2"))
	if err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if next != id+1 {
		t.Fatalf("expected ids to keep increasing, got %d after %d", next, id)
	}
}

func TestFileWALDropsRecordWithBadChecksum(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	id1, err := w.Append(testBatch("batch-1", "p1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(testBatch("batch-2", "p2")); err != nil {
		t.Fatalf("append: %v", err)
	}
	sizeAfterFirst := w.Stats().SizeBytes
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "batches.wal")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	// Last byte belongs to the second record's body.
	data[len(data)-1] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	w2, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	stats := w2.Stats()
	if stats.LatestAppended != id1 {
		t.Fatalf("expected corrupt record dropped, latest=%d", stats.LatestAppended)
	}
	if stats.SizeBytes >= sizeAfterFirst {
		t.Fatalf("expected log cut back, size=%d", stats.SizeBytes)
	}

	var seen int
	if err := w2.Iterate(1, func(ports.WALEntryID, domain.Batch) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected 1 surviving record, got %d", seen)
	}
}

func testBatch(id, point string) domain.Batch {
	return domain.Batch{
		ID:     id,
		SentAt: time.Unix(1700000000, 0),
		Events: []domain.ChangeEvent{{
			AssetID:   "ahu-1",
			PointID:   point,
			Value:     1.5,
			Timestamp: time.Unix(1699999990, 0),
			Quality:   domain.QualityGood,
			SourceRef: "ref",
		}},
	}
}

func appendGarbage(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte{0xFF, 0xAA})
	return err
}
