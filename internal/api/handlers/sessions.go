package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/storage"
	"github.com/your-org/proctor/pkg/dto"
)

type SessionHandler struct {
	db *storage.PostgresStore
}

func NewSessionHandler(db *storage.PostgresStore) *SessionHandler {
	return &SessionHandler{db: db}
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	examDate, err := time.Parse("2006-01-02", req.ExamDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam_date, expected YYYY-MM-DD"})
		return
	}

	es := &models.ExamSession{
		RoomID:    req.RoomID,
		ExamDate:  examDate,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	if err := h.db.CreateSession(c.Request.Context(), es); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, sessionResponse(es))
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.db.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.SessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, sessionResponse(&sessions[i]))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": resp, "total": len(resp)})
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	es, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if es == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, sessionResponse(es))
}

func (h *SessionHandler) UpdateStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var req dto.UpdateSessionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := models.SessionStatus(req.Status)
	switch status {
	case models.SessionStatusPending, models.SessionStatusActive, models.SessionStatusCompleted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	if err := h.db.UpdateSessionStatus(c.Request.Context(), id, status); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

// LinkCourse attaches a course to a session; the union of linked courses'
// registrations forms the session's eligible set.
func (h *SessionHandler) LinkCourse(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var req dto.LinkCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.LinkCourse(c.Request.Context(), id, req.CourseID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "linked"})
}

// Roster returns the session's eligible students with reference embeddings.
// Scanner devices call this once at session start and hold it in memory.
func (h *SessionHandler) Roster(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	es, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if es == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	students, err := h.db.EligibleStudents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type rosterEntry struct {
		StudentID string    `json:"student_id"`
		FirstName string    `json:"first_name"`
		LastName  string    `json:"last_name"`
		Embedding []float32 `json:"embedding"`
	}

	entries := make([]rosterEntry, 0, len(students))
	for i := range students {
		st := &students[i]
		entries = append(entries, rosterEntry{
			StudentID: st.StudentID,
			FirstName: st.FirstName,
			LastName:  st.LastName,
			Embedding: st.ReferenceEmbedding,
		})
	}

	c.JSON(http.StatusOK, gin.H{"session_id": id, "students": entries, "total": len(entries)})
}

func (h *SessionHandler) CreateAssignment(c *gin.Context) {
	var req dto.CreateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	es, err := h.db.GetSession(c.Request.Context(), req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if es == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	a := &models.InvigilatorAssignment{
		InvigilatorID: req.InvigilatorID,
		SessionID:     req.SessionID,
	}
	if err := h.db.CreateAssignment(c.Request.Context(), a); err != nil {
		if errors.Is(err, storage.ErrDuplicateAssignment) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.AssignmentResponse{
		ID:            a.ID,
		InvigilatorID: a.InvigilatorID,
		SessionID:     a.SessionID,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *SessionHandler) GetAssignment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	a, err := h.db.GetSessionAssignment(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no invigilator assigned"})
		return
	}

	c.JSON(http.StatusOK, dto.AssignmentResponse{
		ID:            a.ID,
		InvigilatorID: a.InvigilatorID,
		SessionID:     a.SessionID,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func sessionResponse(es *models.ExamSession) dto.SessionResponse {
	return dto.SessionResponse{
		ID:        es.ID,
		RoomID:    es.RoomID,
		ExamDate:  es.ExamDate.Format("2006-01-02"),
		StartTime: es.StartTime,
		EndTime:   es.EndTime,
		Status:    string(es.Status),
		CreatedAt: es.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: es.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
