package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// SQLite stores records in a local database file.
type SQLite struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// table exists.
func OpenSQLite(ctx context.Context, path, table string, logger zerolog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("records: sqlite path is required")
	}
	if !validTable(table) {
		return nil, fmt.Errorf("records: invalid table name %q", table)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("records: create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("records: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("records: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, table: table, logger: logger}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pk TEXT NOT NULL,
    sk TEXT NOT NULL,
    status INTEGER NOT NULL,
    body TEXT NOT NULL,
    message_params TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    PRIMARY KEY (pk, sk)
)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("records: ensure schema: %w", err)
	}
	return s, nil
}

// Put upserts rec.
func (s *SQLite) Put(ctx context.Context, rec models.ResponseRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	params, err := json.Marshal(rec.MessageParams)
	if err != nil {
		return fmt.Errorf("records: marshal params: %w", err)
	}
	body := string(rec.Body)
	if body == "" {
		body = "null"
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (pk, sk, status, body, message_params, recorded_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(pk, sk) DO UPDATE SET status=excluded.status, body=excluded.body,
		 message_params=excluded.message_params, recorded_at=excluded.recorded_at`, s.table),
		rec.PK, rec.SK, rec.Status, body, string(params), rec.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("records: put %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

// Get loads one record.
func (s *SQLite) Get(ctx context.Context, pk, sk string) (models.ResponseRecord, error) {
	rec := models.ResponseRecord{PK: pk, SK: sk}
	var body, params string
	var ms int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT status, body, message_params, recorded_at FROM %s WHERE pk = ? AND sk = ?`, s.table),
		pk, sk,
	).Scan(&rec.Status, &body, &params, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ResponseRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ResponseRecord{}, fmt.Errorf("records: get %s/%s: %w", pk, sk, err)
	}
	rec.Body = json.RawMessage(body)
	rec.RecordedAt = time.UnixMilli(ms).UTC()
	if err := json.Unmarshal([]byte(params), &rec.MessageParams); err != nil {
		return models.ResponseRecord{}, fmt.Errorf("records: decode params: %w", err)
	}
	return rec, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func validTable(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
