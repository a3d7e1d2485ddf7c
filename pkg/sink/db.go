package sink

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/NotCoffee418/dbmigrator"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const postgresSchema = `CREATE TABLE IF NOT EXISTS meter_samples (
	device   TEXT             NOT NULL,
	ts       BIGINT           NOT NULL,
	register TEXT             NOT NULL,
	value    DOUBLE PRECISION
)`

const postgresIndex = `CREATE INDEX IF NOT EXISTS idx_meter_samples_device_ts ON meter_samples (device, ts)`

// OpenSQLite opens the sample database at path and applies the migrations.
func OpenSQLite(path string) (*sql.DB, error) {
	// Several device loops may share one file.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	// Create DB before migrations
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)
	return db, nil
}

// OpenPostgres connects with lib/pq and creates the sample table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: connect postgres: %w", err)
	}
	if err := ensurePostgresSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensurePostgresSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{postgresSchema, postgresIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sink: create schema: %w", err)
		}
	}
	return nil
}
