// Package wal keeps batches on disk between creation and sink acknowledgement.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

const (
	logName  = "batches.wal"
	metaName = "batches.meta"

	// [8 id][4 len][4 crc32(body)]
	headerLen = 16
	// Upper bound on one encoded batch; a larger length means a corrupt header.
	maxRecordLen = 64 << 20
)

var errTornRecord = errors.New("torn or corrupt wal record")

// FileWAL is an append-only log of batches awaiting delivery. The commit
// watermark lives in a sidecar meta file. Ids keep increasing across restarts
// and truncations.
type FileWAL struct {
	mu        sync.Mutex
	logPath   string
	metaPath  string
	file      *os.File
	nextID    ports.WALEntryID
	committed ports.WALEntryID
	sizeBytes int64
}

func NewFileWAL(dir string) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &FileWAL{
		logPath:  filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, metaName),
	}
	f, err := os.OpenFile(w.logPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.file = f

	if err := w.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// recover finds the last intact record, cuts everything after it and loads
// the commit watermark.
func (w *FileWAL) recover() error {
	var (
		good   int64
		lastID ports.WALEntryID
	)
	err := readRecords(w.file, func(id ports.WALEntryID, _ []byte, end int64) error {
		good, lastID = end, id
		return nil
	})
	if err != nil && !errors.Is(err, errTornRecord) {
		return fmt.Errorf("wal scan: %w", err)
	}

	stat, err := w.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() != good {
		if err := w.file.Truncate(good); err != nil {
			return fmt.Errorf("wal cut torn tail: %w", err)
		}
	}
	if _, err := w.file.Seek(good, io.SeekStart); err != nil {
		return err
	}
	w.sizeBytes = good
	w.nextID = lastID

	committed, err := readWatermark(w.metaPath)
	if err != nil {
		return err
	}
	w.committed = committed
	if w.nextID < w.committed {
		w.nextID = w.committed
	}
	return nil
}

// readRecords walks r from the start and calls fn with each intact record and
// the offset just past it. It returns errTornRecord at the first short or
// checksum-failing record.
func readRecords(r io.ReaderAt, fn func(id ports.WALEntryID, body []byte, end int64) error) error {
	br := bufio.NewReader(io.NewSectionReader(r, 0, 1<<62))
	var offset int64
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errTornRecord
		}
		id := ports.WALEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		n := binary.BigEndian.Uint32(hdr[8:12])
		sum := binary.BigEndian.Uint32(hdr[12:16])
		if n > maxRecordLen {
			return errTornRecord
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return errTornRecord
		}
		if crc32.ChecksumIEEE(body) != sum {
			return errTornRecord
		}
		offset += headerLen + int64(n)
		if err := fn(id, body, offset); err != nil {
			return err
		}
	}
}

func readWatermark(path string) (ports.WALEntryID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal meta parse: %w", err)
	}
	return ports.WALEntryID(u), nil
}

// Append encodes b, writes it as one record and syncs before returning.
func (w *FileWAL) Append(b domain.Batch) (ports.WALEntryID, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	if len(body) > maxRecordLen {
		return 0, fmt.Errorf("batch %s encodes to %d bytes, limit %d", b.ID, len(body), maxRecordLen)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}

	id := w.nextID + 1
	rec := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint64(rec[0:8], uint64(id))
	binary.BigEndian.PutUint32(rec[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(rec[12:16], crc32.ChecksumIEEE(body))
	copy(rec[headerLen:], body)

	if _, err := w.file.Write(rec); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, err
	}
	w.nextID = id
	w.sizeBytes += int64(len(rec))
	return id, nil
}

// Iterate calls fn for every record with id >= from, in append order.
func (w *FileWAL) Iterate(from ports.WALEntryID, fn func(id ports.WALEntryID, b domain.Batch) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}

	err := readRecords(w.file, func(id ports.WALEntryID, body []byte, _ int64) error {
		if id < from {
			return nil
		}
		var b domain.Batch
		if err := json.Unmarshal(body, &b); err != nil {
			return fmt.Errorf("decode wal entry %d: %w", id, err)
		}
		return fn(id, b)
	})
	if errors.Is(err, errTornRecord) {
		return fmt.Errorf("corrupt WAL: %w", err)
	}
	return err
}

// Commit advances the watermark to upto. It never moves backwards.
func (w *FileWAL) Commit(upto ports.WALEntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if upto <= w.committed {
		return nil
	}
	if err := writeWatermark(w.metaPath, upto); err != nil {
		return err
	}
	w.committed = upto
	return nil
}

// TruncateCommitted empties the log once every appended entry is committed.
func (w *FileWAL) TruncateCommitted() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil || w.committed < w.nextID || w.sizeBytes == 0 {
		return nil
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.sizeBytes = 0
	return nil
}

func (w *FileWAL) Stats() ports.WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ports.WALStats{
		OldestUncommitted: w.committed + 1,
		LatestAppended:    w.nextID,
		SizeBytes:         w.sizeBytes,
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// writeWatermark replaces the meta file atomically.
func writeWatermark(path string, id ports.WALEntryID) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatUint(uint64(id), 10) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ ports.BatchWAL = (*FileWAL)(nil)
