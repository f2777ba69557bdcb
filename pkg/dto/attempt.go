package dto

import "github.com/google/uuid"

type AttemptResponse struct {
	ID                 uuid.UUID `json:"id"`
	SessionID          uuid.UUID `json:"session_id"`
	InvigilatorID      string    `json:"invigilator_id"`
	StudentIDCandidate *string   `json:"student_id_candidate,omitempty"`
	MatchedStudentID   *string   `json:"matched_student_id,omitempty"`
	Result             string    `json:"result"`
	Reason             string    `json:"reason,omitempty"`
	Score              float32   `json:"score"`
	SnapshotURL        string    `json:"snapshot_url,omitempty"`
	OccurredAt         string    `json:"occurred_at"`
	CreatedAt          string    `json:"created_at"`
}

type AttemptListResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
	Total    int               `json:"total"`
}

type AttemptQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// WSEvent is a WebSocket message for real-time attempt delivery to proctoring
// dashboards and other scanner devices in the same session.
type WSEvent struct {
	Type      string          `json:"type"` // attempt_recorded, student_verified, session_status
	SessionID uuid.UUID       `json:"session_id"`
	Data      AttemptResponse `json:"data,omitempty"`
	Status    string          `json:"status,omitempty"`
	// VerifiedCount is the running number of distinct verified students in the
	// session, stamped by the hub on student_verified and session_status events.
	VerifiedCount int `json:"verified_count,omitempty"`
}
