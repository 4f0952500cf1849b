package ports

import "github.com/flightincorporated47/metasys-connector-backend/internal/domain"

type WALEntryID uint64

// BatchWAL persists batches before delivery so a failed or interrupted flush
// can be replayed.
type BatchWAL interface {
	Append(b domain.Batch) (WALEntryID, error)
	Iterate(from WALEntryID, fn func(id WALEntryID, b domain.Batch) error) error
	Commit(upto WALEntryID) error
	TruncateCommitted() error
	Stats() WALStats
	Close() error
}

type WALStats struct {
	OldestUncommitted WALEntryID
	LatestAppended    WALEntryID
	SizeBytes         int64
}
