package sink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

type Dialect uint8

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) insertQuery() string {
	if d == DialectPostgres {
		return "INSERT INTO meter_samples (device, ts, register, value) VALUES ($1, $2, $3, $4)"
	}
	return "INSERT INTO meter_samples (device, ts, register, value) VALUES (?, ?, ?, ?)"
}

// TableSink writes one row per sample and register into meter_samples.
// A register without a value is stored as NULL.
type TableSink struct {
	db      *sql.DB
	dialect Dialect
	device  string
}

func NewTableSink(db *sql.DB, dialect Dialect, device string) *TableSink {
	return &TableSink{db: db, dialect: dialect, device: device}
}

func (t *TableSink) Name() string { return t.dialect.String() }

// InsertMany stores the batch in a single transaction.
func (t *TableSink) InsertMany(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: begin: %w", err)
	}
	defer tx.Rollback()

	query := t.dialect.insertQuery()
	for _, s := range samples {
		ts := s.Timestamp.Unix()
		for _, name := range s.Registers() {
			var value any
			if v := s.Values[name]; v != nil {
				value = *v
			}
			if _, err := tx.ExecContext(ctx, query, t.device, ts, name, value); err != nil {
				return fmt.Errorf("sink: insert %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	return nil
}

func (t *TableSink) Close() error {
	return t.db.Close()
}
