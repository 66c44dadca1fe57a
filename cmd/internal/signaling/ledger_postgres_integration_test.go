package signaling

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when BEACON_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresLedger_Lifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenLedgerPool(t)
	defer pool.Close()

	ledger, _ := mustNewLedger(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created := time.Now().UTC().Truncate(time.Second)

	rec, err := ledger.Create(ctx, CreateCallInput{
		RoomID:    "it-room-1",
		Initiator: "alice",
		Recipient: "bob",
		Now:       created,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("create: empty call id")
	}
	if rec.Status != CallPending {
		t.Fatalf("create: status %s", rec.Status)
	}

	rec, err = ledger.Transition(ctx, rec.ID, CallInProgress, created.Add(3*time.Second))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if rec.Status != CallInProgress || rec.StartedAt.IsZero() {
		t.Fatalf("answer: %+v", rec)
	}

	rec, err = ledger.Finalize(ctx, rec.ID, CallFinished, created.Add(45*time.Second), DurationFromStart)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rec.Status != CallFinished {
		t.Fatalf("finalize: status %s", rec.Status)
	}
	if rec.Duration != 42 {
		t.Fatalf("finalize: duration %d, want 42", rec.Duration)
	}

	// Terminal records absorb further transitions.
	if _, err := ledger.Transition(ctx, rec.ID, CallInProgress, created.Add(60*time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transition after finish: %v", err)
	}

	got, err := ledger.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != CallFinished || got.Duration != 42 || got.Initiator != "alice" {
		t.Fatalf("lookup: %+v", got)
	}
}

func TestPostgresLedger_ClientSuppliedIDCollision(t *testing.T) {
	t.Parallel()

	pool := mustOpenLedgerPool(t)
	defer pool.Close()

	ledger, _ := mustNewLedger(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	callID := "it-call-" + NewRandomHex(8)

	if _, err := ledger.Create(ctx, CreateCallInput{
		CallID:    callID,
		Initiator: "alice",
		Recipient: "bob",
		Now:       now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A live record under the same id rejects the second create.
	if _, err := ledger.Create(ctx, CreateCallInput{
		CallID:    callID,
		Initiator: "carol",
		Recipient: "dave",
		Now:       now,
	}); !errors.Is(err, ErrCallExists) {
		t.Fatalf("duplicate create: %v", err)
	}

	// A terminal record under the same id is replaced.
	if _, err := ledger.Finalize(ctx, callID, CallCancelled, now.Add(time.Second), DurationFromStart); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec, err := ledger.Create(ctx, CreateCallInput{
		CallID:    callID,
		Initiator: "carol",
		Recipient: "dave",
		Now:       now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("create over terminal: %v", err)
	}
	if rec.Initiator != "carol" || rec.Status != CallPending {
		t.Fatalf("create over terminal: %+v", rec)
	}
}

func TestPostgresLedger_RejectBeforeAnswer(t *testing.T) {
	t.Parallel()

	pool := mustOpenLedgerPool(t)
	defer pool.Close()

	ledger, _ := mustNewLedger(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()

	rec, err := ledger.Create(ctx, CreateCallInput{Initiator: "alice", Recipient: "bob", Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err = ledger.Transition(ctx, rec.ID, CallCancelled, now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Status != CallCancelled || rec.EndedAt.IsZero() {
		t.Fatalf("reject: %+v", rec)
	}
	// Never answered: no talk time to account for.
	if rec.Duration != 0 {
		t.Fatalf("reject: duration %d", rec.Duration)
	}
}

func TestPostgresLedger_UnknownCallID(t *testing.T) {
	t.Parallel()

	pool := mustOpenLedgerPool(t)
	defer pool.Close()

	ledger, _ := mustNewLedger(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := ledger.Lookup(ctx, "it-missing-"+NewRandomHex(8)); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("lookup missing: %v", err)
	}
	if _, err := ledger.Transition(ctx, "it-missing-"+NewRandomHex(8), CallInProgress, time.Now().UTC()); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("transition missing: %v", err)
	}
}

func mustOpenLedgerPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BEACON_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BEACON_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse BEACON_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

// mustNewLedger provisions a throwaway schema, applies the call table, and
// returns a ledger bound to it. The schema is dropped at cleanup.
func mustNewLedger(t *testing.T, pool *pgxpool.Pool) (*PostgresLedger, string) {
	t.Helper()

	schema := "beacon_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	ledger, err := NewPostgresLedger(pool, WithLedgerSchema(schema))
	if err != nil {
		t.Fatalf("new postgres ledger: %v", err)
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return ledger, schema
}
