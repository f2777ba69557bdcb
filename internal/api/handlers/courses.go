package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/storage"
	"github.com/your-org/proctor/pkg/dto"
)

type CourseHandler struct {
	db *storage.PostgresStore
}

func NewCourseHandler(db *storage.PostgresStore) *CourseHandler {
	return &CourseHandler{db: db}
}

func (h *CourseHandler) Create(c *gin.Context) {
	var req dto.CreateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	course, err := h.db.CreateCourse(c.Request.Context(), req.Code, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.CourseResponse{
		ID:        course.ID,
		Code:      course.Code,
		Title:     course.Title,
		CreatedAt: course.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// RegisterStudent enrolls a student into a course. Re-registering the same
// pair is a no-op.
func (h *CourseHandler) RegisterStudent(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid course id"})
		return
	}

	var req dto.RegisterStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	student, err := h.db.GetStudent(c.Request.Context(), req.StudentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if student == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
		return
	}

	if err := h.db.RegisterStudent(c.Request.Context(), courseID, req.StudentID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}
