package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLSink stores one row per event. Rows are keyed by (batch_id, seq) so a
// redelivered batch is ignored.
type SQLSink struct {
	db        *sql.DB
	dialect   Dialect
	tableName string
}

func NewSQLSink(db *sql.DB, dialect Dialect, table string) (*SQLSink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLSink{db: db, dialect: dialect, tableName: table}, nil
}

func (t *SQLSink) Name() string { return "sql/" + string(t.dialect) }

// EnsureSchema creates the event table when it does not exist.
func (t *SQLSink) EnsureSchema(ctx context.Context) error {
	tsType, valueType := "TIMESTAMPTZ", "JSONB"
	if t.dialect == DialectSQLite {
		tsType, valueType = "TIMESTAMP", "TEXT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	batch_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	sent_at %s NOT NULL,
	asset_id TEXT NOT NULL,
	point_id TEXT NOT NULL,
	value %s,
	ts %s NOT NULL,
	quality TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	PRIMARY KEY (batch_id, seq)
)`, t.tableName, tsType, valueType, tsType)
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

func (t *SQLSink) WriteBatch(ctx context.Context, batch domain.Batch) error {
	if batch.Count() == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (batch_id, seq, sent_at, asset_id, point_id, value, ts, quality, source_ref) VALUES ")

	const cols = 9
	args := make([]any, 0, batch.Count()*cols)
	for i, ev := range batch.Events {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			b.WriteString(t.placeholder(len(args) + c))
		}
		b.WriteString(")")

		val, err := json.Marshal(ev.Value)
		if err != nil {
			return fmt.Errorf("marshal value %s: %w", domain.PointKey(ev.AssetID, ev.PointID), err)
		}
		args = append(args,
			batch.ID,
			i,
			batch.SentAt,
			ev.AssetID,
			ev.PointID,
			string(val),
			ev.Timestamp,
			string(ev.Quality),
			ev.SourceRef,
		)
	}

	b.WriteString(" ON CONFLICT (batch_id, seq) DO NOTHING")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (t *SQLSink) Close() error { return t.db.Close() }

func (t *SQLSink) placeholder(n int) string {
	if t.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

var _ ports.BatchSink = (*SQLSink)(nil)
