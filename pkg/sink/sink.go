// Package sink persists batches of samples. Every adapter either stores the
// whole batch or nothing, so the caller can keep its buffer on error.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

var ErrRejected = errors.New("sink: batch rejected")

// Sink is a persistence adapter. Close releases its connections.
type Sink interface {
	InsertMany(ctx context.Context, samples []types.Sample) error
	Name() string
	Close() error
}

// Open builds the adapter selected in cfg for one device.
// registers are all configured register names, disabled ones included.
func Open(ctx context.Context, cfg config.DbConfig, device string, registers []string, log *slog.Logger) (Sink, error) {
	switch cfg.Adapter {
	case config.AdapterSQLite:
		db, err := OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite sink", "path", cfg.SQLite.Path)
		return NewTableSink(db, DialectSQLite, device), nil

	case config.AdapterPostgres:
		db, err := OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres sink")
		return NewTableSink(db, DialectPostgres, device), nil

	case config.AdapterPostgrest:
		client := &http.Client{Timeout: cfg.Postgrest.Timeout()}
		s := NewPostgrestSink(cfg.Postgrest, registers, client)
		log.Info("using postgrest sink", "url", s.URL())
		return s, nil
	}
	return nil, fmt.Errorf("sink: adapter %q is not supported", cfg.Adapter)
}
