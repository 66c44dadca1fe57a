// Package signaling contains Beacon's connection registry, room index,
// message router, call ledger, and websocket gateway.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger is a CallLedger backed by PostgreSQL.
//
// Ownership model:
// - PostgresLedger does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Every lifecycle write is one short transaction with a row lock on the
//   call record; no transaction spans a network wait on the client side.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	schema string
}

// LedgerOption configures PostgresLedger behavior.
type LedgerOption func(*PostgresLedger) error

// WithLedgerSchema sets the DB schema used by this ledger (default: "beacon").
// The schema name is validated and safely quoted in queries.
func WithLedgerSchema(schema string) LedgerOption {
	return func(l *PostgresLedger) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("signaling: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("signaling: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// NewPostgresLedger constructs a Postgres-backed CallLedger.
func NewPostgresLedger(pool *pgxpool.Pool, opts ...LedgerOption) (*PostgresLedger, error) {
	l := &PostgresLedger{
		pool:   pool,
		schema: "beacon",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("signaling: nil pool")
	}
	return l, nil
}

// Close is a no-op because the pool is owned by the caller.
func (l *PostgresLedger) Close() error { return nil }

// EnsureSchema creates the schema and the calls table if they do not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return errors.New("signaling: nil ledger")
	}

	if _, err := l.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{l.schema}.Sanitize()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	calls := pgIdent(l.schema, "calls")
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+calls+` (
			id         TEXT PRIMARY KEY,
			room_id    TEXT,
			initiator  TEXT NOT NULL,
			recipient  TEXT,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at   TIMESTAMPTZ,
			duration   BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("ensure calls table: %w", err)
	}
	return nil
}

// Create inserts a pending record. A client-supplied id is adopted as the
// primary key; colliding with a non-terminal record fails with ErrCallExists,
// while a terminal record under the same id is replaced.
func (l *PostgresLedger) Create(ctx context.Context, in CreateCallInput) (CallRecord, error) {
	if l == nil || l.pool == nil {
		return CallRecord{}, errors.New("signaling: nil ledger")
	}
	if in.Initiator == "" {
		return CallRecord{}, errors.New("ledger: missing initiator")
	}
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id := in.CallID
	if id == "" {
		generated, err := NewCallID(now)
		if err != nil {
			return CallRecord{}, err
		}
		id = generated
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CallRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	calls := pgIdent(l.schema, "calls")

	if in.CallID != "" {
		var status CallStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM `+calls+` WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&status)
		switch {
		case err == nil:
			if !status.Terminal() {
				return CallRecord{}, ErrCallExists
			}
			if _, err := tx.Exec(ctx, `DELETE FROM `+calls+` WHERE id = $1`, id); err != nil {
				return CallRecord{}, err
			}
		case errors.Is(err, pgx.ErrNoRows):
			// Fresh id, fall through to insert.
		default:
			return CallRecord{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+calls+` (id, room_id, initiator, recipient, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, nullable(in.RoomID), in.Initiator, nullable(in.Recipient), CallPending, now,
	); err != nil {
		return CallRecord{}, fmt.Errorf("insert call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CallRecord{}, err
	}

	return CallRecord{
		ID:        id,
		RoomID:    in.RoomID,
		Initiator: in.Initiator,
		Recipient: in.Recipient,
		Status:    CallPending,
		CreatedAt: now,
	}, nil
}

// Transition applies a non-final lifecycle step under a row lock.
func (l *PostgresLedger) Transition(ctx context.Context, callID string, status CallStatus, at time.Time) (CallRecord, error) {
	return l.update(ctx, callID, status, at, 0, false)
}

// Finalize writes a terminal status with ended_at and duration.
func (l *PostgresLedger) Finalize(ctx context.Context, callID string, status CallStatus, endedAt time.Time, duration int64) (CallRecord, error) {
	if !status.Terminal() {
		return CallRecord{}, ErrInvalidTransition
	}
	return l.update(ctx, callID, status, endedAt, duration, true)
}

func (l *PostgresLedger) update(ctx context.Context, callID string, status CallStatus, at time.Time, duration int64, final bool) (CallRecord, error) {
	if l == nil || l.pool == nil {
		return CallRecord{}, errors.New("signaling: nil ledger")
	}
	if callID == "" {
		return CallRecord{}, ErrCallNotFound
	}
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CallRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	calls := pgIdent(l.schema, "calls")

	rec, err := scanCall(tx.QueryRow(ctx,
		`SELECT id, room_id, initiator, recipient, status, created_at, started_at, ended_at, duration
		   FROM `+calls+` WHERE id = $1 FOR UPDATE`,
		callID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrCallNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}

	if !validStep(rec.Status, status) {
		return CallRecord{}, ErrInvalidTransition
	}

	rec.Status = status
	switch {
	case final:
		rec.EndedAt = at
		rec.Duration = finalDuration(rec, at, duration)
		if _, err := tx.Exec(ctx,
			`UPDATE `+calls+` SET status = $2, ended_at = $3, duration = $4 WHERE id = $1`,
			callID, status, at, rec.Duration,
		); err != nil {
			return CallRecord{}, fmt.Errorf("finalize call: %w", err)
		}
	case status == CallInProgress:
		rec.StartedAt = at
		if _, err := tx.Exec(ctx,
			`UPDATE `+calls+` SET status = $2, started_at = $3 WHERE id = $1`,
			callID, status, at,
		); err != nil {
			return CallRecord{}, fmt.Errorf("transition call: %w", err)
		}
	case status == CallCancelled:
		rec.EndedAt = at
		if _, err := tx.Exec(ctx,
			`UPDATE `+calls+` SET status = $2, ended_at = $3 WHERE id = $1`,
			callID, status, at,
		); err != nil {
			return CallRecord{}, fmt.Errorf("transition call: %w", err)
		}
	default:
		if _, err := tx.Exec(ctx,
			`UPDATE `+calls+` SET status = $2 WHERE id = $1`,
			callID, status,
		); err != nil {
			return CallRecord{}, fmt.Errorf("transition call: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

// Lookup returns the record for callID.
func (l *PostgresLedger) Lookup(ctx context.Context, callID string) (CallRecord, error) {
	if l == nil || l.pool == nil {
		return CallRecord{}, errors.New("signaling: nil ledger")
	}
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	calls := pgIdent(l.schema, "calls")

	rec, err := scanCall(l.pool.QueryRow(ctx,
		`SELECT id, room_id, initiator, recipient, status, created_at, started_at, ended_at, duration
		   FROM `+calls+` WHERE id = $1`,
		callID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrCallNotFound
	}
	return rec, err
}

func scanCall(row pgx.Row) (CallRecord, error) {
	var (
		rec       CallRecord
		roomID    *string
		recipient *string
		startedAt *time.Time
		endedAt   *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&roomID,
		&rec.Initiator,
		&recipient,
		&rec.Status,
		&rec.CreatedAt,
		&startedAt,
		&endedAt,
		&rec.Duration,
	)
	if err != nil {
		return CallRecord{}, err
	}

	if roomID != nil {
		rec.RoomID = *roomID
	}
	if recipient != nil {
		rec.Recipient = *recipient
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return rec, nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
