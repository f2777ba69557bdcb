package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

type ExamSession struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	RoomID    string        `json:"room_id" db:"room_id"`
	ExamDate  time.Time     `json:"exam_date" db:"exam_date"`
	StartTime string        `json:"start_time" db:"start_time"`
	EndTime   string        `json:"end_time" db:"end_time"`
	Status    SessionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// InvigilatorAssignment binds one operator to one exam session.
// At most one assignment may exist per (invigilator, session) pair.
type InvigilatorAssignment struct {
	ID            uuid.UUID `json:"id" db:"id"`
	InvigilatorID string    `json:"invigilator_id" db:"invigilator_id"`
	SessionID     uuid.UUID `json:"session_id" db:"session_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
