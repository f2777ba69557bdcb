package dto

import "github.com/google/uuid"

type CreateSessionRequest struct {
	RoomID    string `json:"room_id" binding:"required"`
	ExamDate  string `json:"exam_date" binding:"required"` // YYYY-MM-DD
	StartTime string `json:"start_time" binding:"required"`
	EndTime   string `json:"end_time" binding:"required"`
}

type SessionResponse struct {
	ID        uuid.UUID `json:"id"`
	RoomID    string    `json:"room_id"`
	ExamDate  string    `json:"exam_date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

type UpdateSessionStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type LinkCourseRequest struct {
	CourseID uuid.UUID `json:"course_id" binding:"required"`
}

type CreateAssignmentRequest struct {
	InvigilatorID string    `json:"invigilator_id" binding:"required"`
	SessionID     uuid.UUID `json:"session_id" binding:"required"`
}

type AssignmentResponse struct {
	ID            uuid.UUID `json:"id"`
	InvigilatorID string    `json:"invigilator_id"`
	SessionID     uuid.UUID `json:"session_id"`
	CreatedAt     string    `json:"created_at"`
}
