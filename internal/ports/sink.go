package ports

import (
	"context"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

type BatchSink interface {
	WriteBatch(ctx context.Context, b domain.Batch) error
	Name() string
	Close() error
}
