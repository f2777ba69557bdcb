package models

import (
	"time"

	"github.com/google/uuid"
)

type AttemptResult string

const (
	AttemptSuccess AttemptResult = "success"
	AttemptFailure AttemptResult = "failure"
)

// Failure reasons recorded on verification attempts.
const (
	ReasonNoMatch         = "no-match"
	ReasonAmbiguous       = "ambiguous"
	ReasonLowConfidence   = "low-confidence"
	ReasonNotEligible     = "not-eligible"
	ReasonAlreadyVerified = "already-verified"
)

// VerificationAttempt is the append-only audit record of one scan.
// The ID is generated on the device at creation time and doubles as the
// idempotency key for remote delivery: re-sending the same attempt is a no-op.
type VerificationAttempt struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	SessionID          uuid.UUID     `json:"session_id" db:"session_id"`
	InvigilatorID      string        `json:"invigilator_id" db:"invigilator_id"`
	StudentIDCandidate *string       `json:"student_id_candidate,omitempty" db:"student_id_candidate"`
	MatchedStudentID   *string       `json:"matched_student_id,omitempty" db:"matched_student_id"`
	Result             AttemptResult `json:"result" db:"result"`
	Reason             string        `json:"reason,omitempty" db:"reason"`
	Score              float32       `json:"score,omitempty" db:"score"`
	CapturedEmbedding  []float32     `json:"captured_embedding,omitempty" db:"captured_embedding"`
	SnapshotKey        string        `json:"snapshot_key,omitempty" db:"snapshot_key"`
	OccurredAt         time.Time     `json:"occurred_at" db:"occurred_at"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// StagedRecord wraps a payload held in local durable storage pending remote commit.
type StagedRecord struct {
	LocalID    uint64     `json:"local_id"`
	RemoteID   uuid.UUID  `json:"remote_id"`
	Kind       string     `json:"kind"`
	Payload    []byte     `json:"payload"`
	Retries    int        `json:"retries"`
	SyncStatus SyncStatus `json:"sync_status"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}
