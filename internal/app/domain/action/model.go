// Package action models state-changing commands submitted through the
// wallet provider and confirmed against chain state.
package action

import "time"

// Kind enumerates the state-changing commands the engine can dispatch.
type Kind string

const (
	KindCreateTreasury Kind = "createTreasury"
	KindDeposit        Kind = "deposit"
	KindCreateStream   Kind = "createStream"
	KindPauseStream    Kind = "pauseStream"
	KindResumeStream   Kind = "resumeStream"
	KindStopStream     Kind = "stopStream"
)

// Status tracks a pending action through its lifecycle.
type Status string

const (
	StatusCreated     Status = "created"
	StatusChallenge   Status = "challenge"   // challenge id obtained
	StatusExecuted    Status = "executed"    // user signed
	StatusConfirming  Status = "confirming"  // waiting for chain state
	StatusConfirmed   Status = "confirmed"   // postcondition observed
	StatusUnconfirmed Status = "unconfirmed" // poll budget exhausted, likely landed
	StatusFailed      Status = "failed"      // terminal provider/signing failure
)

// Terminal reports whether the status ends the action's lifecycle.
// Unconfirmed is terminal for the dispatcher even though a background
// recheck may still flip the record to confirmed.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusUnconfirmed, StatusFailed:
		return true
	}
	return false
}

// Record is a persisted pending action. Exactly one non-terminal record may
// exist per (entity, kind) pair at a time.
type Record struct {
	ID          string
	Kind        Kind
	Entity      string // treasury address, or treasury#streamID for stream actions
	Contract    string
	CallData    string
	ChallengeID string
	Status      Status
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
