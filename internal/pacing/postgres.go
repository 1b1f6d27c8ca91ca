package pacing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps the pacing slot in the pacing table and reads time from now().
type Postgres struct {
	DB  *pgxpool.Pool
	Key string
}

var _ Pacer = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db, Key: Key} }

func (p *Postgres) remaining(ctx context.Context) (time.Duration, error) {
	var secs float64
	err := p.DB.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM (next_allowed_at - now()))::float8 FROM pacing WHERE key=$1
	`, p.Key).Scan(&secs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pacing: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (p *Postgres) Wait(ctx context.Context) error {
	return wait(ctx, p.remaining, sleepCtx)
}

func (p *Postgres) Reserve(ctx context.Context, d time.Duration) (bool, error) {
	var one int
	err := p.DB.QueryRow(ctx, `
		INSERT INTO pacing (key, next_allowed_at)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE SET next_allowed_at = EXCLUDED.next_allowed_at
		WHERE pacing.next_allowed_at <= now()
		RETURNING 1
	`, p.Key, d.Seconds()).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reserve pacing: %w", err)
	}
	return true, nil
}

func (p *Postgres) Advance(ctx context.Context, d time.Duration) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO pacing (key, next_allowed_at)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE SET next_allowed_at = EXCLUDED.next_allowed_at
	`, p.Key, d.Seconds())
	if err != nil {
		return fmt.Errorf("advance pacing: %w", err)
	}
	return nil
}
