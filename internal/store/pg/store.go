package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salonnotif/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB *pgxpool.Pool
	q  querier
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db, q: db} }

// WithTx runs fn in a transaction. Called on a transaction-scoped Store it opens a savepoint.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := s.q.(pgx.Tx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = s.DB.Begin(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Store{DB: s.DB, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
