package models

import (
	"time"

	"github.com/google/uuid"
)

type Student struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	StudentID          string    `json:"student_id" db:"student_id"`
	FirstName          string    `json:"first_name" db:"first_name"`
	LastName           string    `json:"last_name" db:"last_name"`
	Program            string    `json:"program" db:"program"`
	StudyYear          int       `json:"study_year" db:"study_year"`
	ReferenceEmbedding []float32 `json:"-" db:"reference_embedding"`
	PhotoKey           string    `json:"photo_key,omitempty" db:"photo_key"`
	IsVerified         bool      `json:"is_verified" db:"is_verified"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

type Course struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
