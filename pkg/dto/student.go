package dto

import "github.com/google/uuid"

type StudentResponse struct {
	ID         uuid.UUID `json:"id"`
	StudentID  string    `json:"student_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Program    string    `json:"program"`
	StudyYear  int       `json:"study_year"`
	PhotoURL   string    `json:"photo_url,omitempty"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  string    `json:"created_at"`
}

type CreateCourseRequest struct {
	Code  string `json:"code" binding:"required"`
	Title string `json:"title" binding:"required"`
}

type CourseResponse struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	CreatedAt string    `json:"created_at"`
}

type RegisterStudentRequest struct {
	StudentID string `json:"student_id" binding:"required"`
}
