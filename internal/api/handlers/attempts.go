package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/storage"
	"github.com/your-org/proctor/pkg/dto"
)

type AttemptHandler struct {
	db    *storage.PostgresStore
	minio *storage.MinIOStore
}

func NewAttemptHandler(db *storage.PostgresStore, minio *storage.MinIOStore) *AttemptHandler {
	return &AttemptHandler{db: db, minio: minio}
}

// List returns the session's verification attempts, newest first.
func (h *AttemptHandler) List(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var q dto.AttemptQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attempts, total, err := h.db.QueryAttempts(c.Request.Context(), sessionID, q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.AttemptResponse, 0, len(attempts))
	for i := range attempts {
		resp = append(resp, AttemptResponse(&attempts[i]))
	}

	c.JSON(http.StatusOK, dto.AttemptListResponse{Attempts: resp, Total: total})
}

// Verified returns student IDs with a recorded success in the session.
func (h *AttemptHandler) Verified(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	ids, err := h.db.VerifiedStudentIDs(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "student_ids": ids, "total": len(ids)})
}

// Snapshot streams the audit snapshot stored for an attempt, if any.
func (h *AttemptHandler) Snapshot(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt id"})
		return
	}

	a, err := h.db.GetAttempt(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if a == nil || a.SnapshotKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	data, err := h.minio.GetObject(c.Request.Context(), a.SnapshotKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

// AttemptResponse converts a stored attempt to its API shape.
func AttemptResponse(a *models.VerificationAttempt) dto.AttemptResponse {
	resp := dto.AttemptResponse{
		ID:                 a.ID,
		SessionID:          a.SessionID,
		InvigilatorID:      a.InvigilatorID,
		StudentIDCandidate: a.StudentIDCandidate,
		MatchedStudentID:   a.MatchedStudentID,
		Result:             string(a.Result),
		Reason:             a.Reason,
		Score:              a.Score,
		OccurredAt:         a.OccurredAt.UTC().Format(time.RFC3339),
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.SnapshotKey != "" {
		resp.SnapshotURL = "/v1/attempts/" + a.ID.String() + "/snapshot"
	}
	return resp
}
