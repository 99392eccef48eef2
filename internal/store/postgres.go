// Package store is the Postgres system of record. Every invariant that
// concurrent requests could break (status moves, day capacity, one open
// recurrence request, idempotent import) is enforced here with conditional
// writes inside a transaction, never in memory.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fieldservice/internal/availability"
	"fieldservice/internal/errors"
	"fieldservice/internal/logger"
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool  *pgxpool.Pool
	avail *availability.Engine
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, avail *availability.Engine) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if avail == nil {
		avail = availability.New(availability.DefaultCapacity, time.UTC)
	}
	return &Store{pool: pool, avail: avail}, nil
}

// Open connects, pings and migrates, retrying with exponential backoff
// until maxWait elapses so the services survive Postgres starting late.
func Open(ctx context.Context, dsn string, avail *availability.Engine, maxWait time.Duration, log *zap.SugaredLogger) (*Store, error) {
	var s *Store
	op := func() error {
		st, err := New(ctx, dsn, avail)
		if err != nil {
			return err
		}
		if err := st.pool.Ping(ctx); err != nil {
			st.Close()
			return errors.Wrap(err, "ping postgres")
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return err
		}
		s = st
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxWait
	notify := func(err error, wait time.Duration) {
		log.Warnw("postgres not ready, retrying", logger.FieldError, err, "wait", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(errors.ErrNotFound, "%s %s", what, id)
	}
	return errors.Wrapf(err, "query %s %s", what, id)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func intPtr(i pgtype.Int4) *int {
	if i.Valid {
		v := int(i.Int32)
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
