package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// registers the "pgx" driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Engine is a SQL database engine supported by SQLStore.
type Engine string

const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// SQLStore implements Database on top of database/sql.
type SQLStore struct {
	db     *sql.DB
	engine Engine
	dsn    string
}

// NewSQLStore opens and migrates a SQL store. For sqlite the dsn is a file
// path.
func NewSQLStore(ctx context.Context, engine Engine, dsn string) (*SQLStore, error) {
	s := &SQLStore{engine: engine, dsn: dsn}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the store is properly configured.
func (s *SQLStore) Validate() error {
	switch s.engine {
	case EngineSQLite, EnginePostgres:
	default:
		return fmt.Errorf("unknown sql engine: %q", s.engine)
	}
	if s.dsn == "" {
		return fmt.Errorf("%s store requires a dsn", s.engine)
	}
	return nil
}

func (s *SQLStore) driver() string {
	if s.engine == EnginePostgres {
		return "pgx"
	}
	return "sqlite"
}

// Init opens the database and applies any pending migrations.
func (s *SQLStore) Init(ctx context.Context) error {
	if s.engine == EngineSQLite && s.dsn != ":memory:" {
		dir := filepath.Dir(s.dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(s.driver(), s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", s.engine, err)
	}
	if s.engine == EngineSQLite {
		// a single connection serializes writers and keeps :memory: databases
		// from being split across connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to %s database: %w", s.engine, err)
	}
	s.db = db

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Migrate applies every pending migration.
func (s *SQLStore) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	dialect := goose.DialectSQLite3
	if s.engine == EnginePostgres {
		dialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to configure migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		log.Ctx(ctx).InfoContext(ctx, "applied migration", slog.String("engine", string(s.engine)), slog.Int64("version", r.Source.Version))
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.engine != EnginePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) queryRows(ctx context.Context, query string, args ...any) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// insertRows inserts every row in a single transaction. partition returns
// the partition column value of a row.
func (s *SQLStore) insertRows(ctx context.Context, query string, systemID string, rows []types.Record, partition func(types.Record) (any, error)) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		key, err := partition(row)
		if err != nil {
			return err
		}
		data, hash, err := encodeRow(row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, systemID, key, hash, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSummary returns the summary rows stored for date.
func (s *SQLStore) GetSummary(ctx context.Context, systemID, date string) ([]types.Record, error) {
	rows, err := s.queryRows(ctx, `SELECT data FROM summary WHERE system_id = ? AND summary_date = ? ORDER BY row_hash`, systemID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	return rows, nil
}

// InsertSummary stores summary rows for date.
func (s *SQLStore) InsertSummary(ctx context.Context, systemID, date string, rows []types.Record) error {
	err := s.insertRows(
		ctx,
		`INSERT INTO summary (system_id, summary_date, row_hash, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		systemID,
		rows,
		func(types.Record) (any, error) { return date, nil },
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

// GetStats returns the stats rows with an end_at in (start, end].
func (s *SQLStore) GetStats(ctx context.Context, systemID string, start, end time.Time) ([]types.Record, error) {
	rows, err := s.queryRows(
		ctx,
		`SELECT data FROM stats WHERE system_id = ? AND end_at > ? AND end_at <= ? ORDER BY end_at, row_hash`,
		systemID,
		start.Unix(),
		end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return rows, nil
}

// InsertStats stores stats rows. Every row must have an end_at.
func (s *SQLStore) InsertStats(ctx context.Context, systemID string, rows []types.Record) error {
	err := s.insertRows(
		ctx,
		`INSERT INTO stats (system_id, end_at, row_hash, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		systemID,
		rows,
		func(row types.Record) (any, error) {
			t, err := statsEndAt(row)
			if err != nil {
				return nil, err
			}
			return t.Unix(), nil
		},
	)
	if err != nil {
		return fmt.Errorf("failed to insert stats: %w", err)
	}
	return nil
}

// GetCompleteness returns the completeness of every marked day between from
// and to inclusive.
func (s *SQLStore) GetCompleteness(ctx context.Context, systemID, from, to string) (map[string]types.Completeness, error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.rebind(`SELECT obs_date, status FROM stats_completeness WHERE system_id = ? AND obs_date >= ? AND obs_date <= ?`),
		systemID,
		from,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query completeness: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]types.Completeness)
	for rows.Next() {
		var date, status string
		if err := rows.Scan(&date, &status); err != nil {
			return nil, fmt.Errorf("failed to scan completeness: %w", err)
		}
		marks[date] = types.Completeness(status)
	}
	return marks, rows.Err()
}

// MarkCompleteness records the completeness of a day. A day that is already
// full stays full.
func (s *SQLStore) MarkCompleteness(ctx context.Context, mark types.CompletenessMark) error {
	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO stats_completeness (system_id, obs_date, status, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (system_id, obs_date) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
			WHERE stats_completeness.status <> ?`),
		mark.SystemID,
		mark.Date,
		string(mark.Status),
		time.Now().Unix(),
		string(types.CompletenessFull),
	)
	if err != nil {
		return fmt.Errorf("failed to mark completeness: %w", err)
	}
	return nil
}

// GetEnvoys returns every envoy row stored for the system.
func (s *SQLStore) GetEnvoys(ctx context.Context, systemID string) ([]types.Record, error) {
	rows, err := s.queryRows(ctx, `SELECT data FROM envoys WHERE system_id = ? ORDER BY serial_number, row_hash`, systemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query envoys: %w", err)
	}
	return rows, nil
}

// InsertEnvoys stores envoy rows.
func (s *SQLStore) InsertEnvoys(ctx context.Context, systemID string, rows []types.Record) error {
	err := s.insertRows(
		ctx,
		`INSERT INTO envoys (system_id, serial_number, row_hash, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		systemID,
		rows,
		func(row types.Record) (any, error) { return envoySerial(row), nil },
	)
	if err != nil {
		return fmt.Errorf("failed to insert envoys: %w", err)
	}
	return nil
}
