package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/database"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Postgres stores records in a table with a (pk, sk) primary key.
type Postgres struct {
	db     database.DB
	table  string
	logger zerolog.Logger

	putSQL string
	getSQL string
}

// NewPostgres returns a store writing to table.
func NewPostgres(db database.DB, table string, logger zerolog.Logger) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("records: database is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("records: table is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &Postgres{
		db:     db,
		table:  ident,
		logger: logger,
		putSQL: fmt.Sprintf(`INSERT INTO %s (pk, sk, status, body, message_params, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pk, sk) DO UPDATE SET
    status = EXCLUDED.status,
    body = EXCLUDED.body,
    message_params = EXCLUDED.message_params,
    recorded_at = EXCLUDED.recorded_at`, ident),
		getSQL: fmt.Sprintf(`SELECT status, body, message_params, recorded_at FROM %s WHERE pk = $1 AND sk = $2`, ident),
	}, nil
}

// EnsureSchema creates the table if needed.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    pk text NOT NULL,
    sk text NOT NULL,
    status integer NOT NULL,
    body jsonb NOT NULL,
    message_params jsonb NOT NULL,
    recorded_at timestamptz NOT NULL,
    PRIMARY KEY (pk, sk)
)`, p.table)
	if _, err := p.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("records: ensure schema: %w", err)
	}
	return nil
}

// Put upserts rec.
func (p *Postgres) Put(ctx context.Context, rec models.ResponseRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	params, err := json.Marshal(rec.MessageParams)
	if err != nil {
		return fmt.Errorf("records: marshal params: %w", err)
	}
	body := []byte(rec.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	if _, err := p.db.Exec(ctx, p.putSQL, rec.PK, rec.SK, rec.Status, body, params, rec.RecordedAt); err != nil {
		return fmt.Errorf("records: put %s/%s: %w", rec.PK, rec.SK, err)
	}
	p.logger.Debug().Str("pk", rec.PK).Str("sk", rec.SK).Msg("records: stored")
	return nil
}

// Get loads one record.
func (p *Postgres) Get(ctx context.Context, pk, sk string) (models.ResponseRecord, error) {
	rec := models.ResponseRecord{PK: pk, SK: sk}
	var body, params []byte
	err := p.db.QueryRow(ctx, p.getSQL, pk, sk).Scan(&rec.Status, &body, &params, &rec.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ResponseRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ResponseRecord{}, fmt.Errorf("records: get %s/%s: %w", pk, sk, err)
	}
	rec.Body = body
	if err := json.Unmarshal(params, &rec.MessageParams); err != nil {
		return models.ResponseRecord{}, fmt.Errorf("records: decode params: %w", err)
	}
	return rec, nil
}
