package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/storage"
	"github.com/your-org/proctor/pkg/dto"
)

type StudentHandler struct {
	db    *storage.PostgresStore
	minio *storage.MinIOStore
	// EmbedFn extracts a face embedding from image bytes.
	// Set this after the vision pipeline is initialized.
	EmbedFn func(imageData []byte) ([]float32, error)
}

func NewStudentHandler(db *storage.PostgresStore, minio *storage.MinIOStore) *StudentHandler {
	return &StudentHandler{db: db, minio: minio}
}

// Register accepts a multipart student registration: identity fields plus a
// reference photo. The photo is embedded immediately and stored; registration
// fails if no usable face is found.
func (h *StudentHandler) Register(c *gin.Context) {
	studentID := c.PostForm("student_id")
	if studentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "student_id required"})
		return
	}

	existing, err := h.db.GetStudent(c.Request.Context(), studentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "student already registered"})
		return
	}

	studyYear, _ := strconv.Atoi(c.PostForm("study_year"))

	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file required"})
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read photo failed"})
		return
	}

	if h.EmbedFn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision pipeline not initialized"})
		return
	}

	embedding, err := h.EmbedFn(imageData)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "failed to extract face: " + err.Error()})
		return
	}

	photoKey := "students/" + studentID + "/" + uuid.New().String() + "_" + header.Filename
	if err := h.minio.PutObject(c.Request.Context(), photoKey, imageData, header.Header.Get("Content-Type")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store photo failed"})
		return
	}

	st := &models.Student{
		StudentID:          studentID,
		FirstName:          c.PostForm("first_name"),
		LastName:           c.PostForm("last_name"),
		Program:            c.PostForm("program"),
		StudyYear:          studyYear,
		ReferenceEmbedding: embedding,
		PhotoKey:           photoKey,
	}
	if err := h.db.CreateStudent(c.Request.Context(), st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, studentResponse(st))
}

func (h *StudentHandler) List(c *gin.Context) {
	students, err := h.db.ListStudents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.StudentResponse, 0, len(students))
	for i := range students {
		resp = append(resp, studentResponse(&students[i]))
	}

	c.JSON(http.StatusOK, gin.H{"students": resp, "total": len(resp)})
}

func (h *StudentHandler) Get(c *gin.Context) {
	st, err := h.db.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
		return
	}

	c.JSON(http.StatusOK, studentResponse(st))
}

// Photo streams the reference photo for a student.
func (h *StudentHandler) Photo(c *gin.Context) {
	st, err := h.db.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil || st.PhotoKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "photo not found"})
		return
	}

	data, err := h.minio.GetObject(c.Request.Context(), st.PhotoKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "photo not found"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

func studentResponse(st *models.Student) dto.StudentResponse {
	return dto.StudentResponse{
		ID:         st.ID,
		StudentID:  st.StudentID,
		FirstName:  st.FirstName,
		LastName:   st.LastName,
		Program:    st.Program,
		StudyYear:  st.StudyYear,
		IsVerified: st.IsVerified,
		CreatedAt:  st.CreatedAt.UTC().Format(time.RFC3339),
	}
}
