package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool. The
// whole session record is kept as one JSONB column and replaced in a
// single upsert, which gives the per-turn atomicity the engine relies
// on without multi-statement transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore connects to the database and ensures the schema.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure sessions schema: %w", err)
	}
	log.Info().Msg("postgres session store ready")
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *models.Session) error {
	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, string(s.Status), record, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrConflict{Key: s.ID}
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var record []byte
	err := p.pool.QueryRow(ctx,
		`SELECT record FROM sessions WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Loops == nil {
		s.Loops = make(map[string]int)
	}
	return &s, nil
}

func (p *PostgresStore) SaveSession(ctx context.Context, s *models.Session) error {
	s.UpdatedAt = time.Now().UTC()
	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, record = $3, updated_at = $4
		WHERE id = $1`,
		s.ID, string(s.Status), record, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Key: s.ID}
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT record FROM sessions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s models.Session
		if err := json.Unmarshal(record, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
