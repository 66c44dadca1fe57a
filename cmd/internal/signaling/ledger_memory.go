package signaling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryLedger is a CallLedger used when no database is configured, and by
// tests that exercise the state machine without storage.
type MemoryLedger struct {
	mu    sync.Mutex
	calls map[string]CallRecord
}

// NewMemoryLedger constructs an in-memory CallLedger implementation.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		calls: make(map[string]CallRecord),
	}
}

// Close closes the ledger (noop for in-memory).
func (l *MemoryLedger) Close() error { return nil }

// Create inserts a pending record, generating a call id unless the caller
// supplied one. A supplied id colliding with a non-terminal record fails
// with ErrCallExists; a terminal record under the same id is replaced.
func (l *MemoryLedger) Create(ctx context.Context, in CreateCallInput) (CallRecord, error) {
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

	l.mu.Lock()
	defer l.mu.Unlock()

	id := in.CallID
	if id == "" {
		generated, err := NewCallID(now)
		if err != nil {
			return CallRecord{}, err
		}
		id = generated
	} else if existing, ok := l.calls[id]; ok && !existing.Status.Terminal() {
		return CallRecord{}, ErrCallExists
	}

	rec := CallRecord{
		ID:        id,
		RoomID:    in.RoomID,
		Initiator: in.Initiator,
		Recipient: in.Recipient,
		Status:    CallPending,
		CreatedAt: now,
	}
	l.calls[id] = rec
	return rec, nil
}

// Transition applies a non-final lifecycle step.
func (l *MemoryLedger) Transition(ctx context.Context, callID string, status CallStatus, at time.Time) (CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.calls[callID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	if !validStep(rec.Status, status) {
		return CallRecord{}, ErrInvalidTransition
	}

	rec.Status = status
	switch status {
	case CallInProgress:
		rec.StartedAt = at
	case CallCancelled:
		rec.EndedAt = at
	}
	l.calls[callID] = rec
	return rec, nil
}

// Finalize writes a terminal status with ended_at and duration.
func (l *MemoryLedger) Finalize(ctx context.Context, callID string, status CallStatus, endedAt time.Time, duration int64) (CallRecord, error) {
	if !status.Terminal() {
		return CallRecord{}, ErrInvalidTransition
	}
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.calls[callID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	if !validStep(rec.Status, status) {
		return CallRecord{}, ErrInvalidTransition
	}

	rec.Status = status
	rec.EndedAt = endedAt
	rec.Duration = finalDuration(rec, endedAt, duration)
	l.calls[callID] = rec
	return rec, nil
}

// Lookup returns the record for callID.
func (l *MemoryLedger) Lookup(ctx context.Context, callID string) (CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return CallRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.calls[callID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	return rec, nil
}
