package signaling

import (
	"context"
	"errors"
	"time"
)

// CallStatus is the persisted lifecycle state of a call record.
type CallStatus string

const (
	// CallPending is the initial state: the call was created but not yet accepted.
	CallPending CallStatus = "pending"
	// CallInProgress means the call was accepted and is running.
	CallInProgress CallStatus = "in_progress"
	// CallFinished means the call ended normally; duration is recorded.
	CallFinished CallStatus = "finished"
	// CallCancelled means the call was rejected or aborted before completion.
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether no further transition is valid out of s.
func (s CallStatus) Terminal() bool {
	return s == CallFinished || s == CallCancelled
}

// validStep reports whether from -> to is a legal one-directional transition.
// The status sequence of any record is a prefix of
// pending -> in_progress -> {finished|cancelled}.
func validStep(from, to CallStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case CallPending:
		return to == CallInProgress || to == CallFinished || to == CallCancelled
	case CallInProgress:
		return to == CallFinished || to == CallCancelled
	}
	return false
}

var (
	// ErrCallNotFound is returned when a call id matches no record.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallExists is returned when a client-supplied call id collides with
	// an existing non-terminal record.
	ErrCallExists = errors.New("call id already in use")

	// ErrInvalidTransition is returned for a transition out of a terminal
	// state or backward through the lifecycle.
	ErrInvalidTransition = errors.New("invalid call transition")
)

// IsLedgerConflict reports whether err is a logical state-machine outcome
// (unknown id, terminal record, id collision) rather than a storage failure.
// Logical outcomes are logged and dropped; storage failures are fatal to the
// originating session.
func IsLedgerConflict(err error) bool {
	return errors.Is(err, ErrCallNotFound) ||
		errors.Is(err, ErrCallExists) ||
		errors.Is(err, ErrInvalidTransition)
}

// CallRecord is one persisted call lifecycle entity.
type CallRecord struct {
	ID        string
	RoomID    string
	Initiator string
	Recipient string
	Status    CallStatus
	CreatedAt time.Time
	StartedAt time.Time // zero until the call is accepted
	EndedAt   time.Time // zero until the call reaches a terminal state
	Duration  int64     // whole seconds; 0 when the call never started
}

// CreateCallInput describes a call creation request. CallID is optional:
// when the initiating client supplied its own id the ledger adopts it as
// the primary key, otherwise it generates one.
type CreateCallInput struct {
	CallID    string
	RoomID    string
	Initiator string
	Recipient string
	Now       time.Time
}

// DurationFromStart means "compute duration from the recorded started_at".
const DurationFromStart int64 = -1

// CallLedger persists call records through their lifecycle. The routing core
// only emits intents; storage technology lives behind this interface.
//
// Requirements:
//   - Create is atomic with call id assignment; initial status is always pending.
//   - Transitions are monotonic and one-directional; terminal states absorb.
//   - A request targeting an unknown or terminal id fails with ErrCallNotFound
//     or ErrInvalidTransition; storage I/O failures are returned wrapped.
type CallLedger interface {
	Create(ctx context.Context, in CreateCallInput) (CallRecord, error)

	// Transition moves the record to status at time "at". Moving to
	// in_progress records started_at; moving to cancelled records ended_at.
	Transition(ctx context.Context, callID string, status CallStatus, at time.Time) (CallRecord, error)

	// Finalize writes a terminal status with ended_at and duration.
	// Pass DurationFromStart to compute ended_at - started_at in whole
	// seconds; when no started_at was ever recorded, duration persists as 0.
	Finalize(ctx context.Context, callID string, status CallStatus, endedAt time.Time, duration int64) (CallRecord, error)

	// Lookup returns the record for callID (participant resolution).
	Lookup(ctx context.Context, callID string) (CallRecord, error)

	Close() error
}

// finalDuration resolves the duration to persist for a terminal write.
func finalDuration(rec CallRecord, endedAt time.Time, duration int64) int64 {
	if duration != DurationFromStart {
		return duration
	}
	if rec.StartedAt.IsZero() {
		return 0
	}
	d := int64(endedAt.Sub(rec.StartedAt).Seconds())
	if d < 0 {
		return 0
	}
	return d
}
