package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/proctor/internal/api/handlers"
	"github.com/your-org/proctor/internal/api/ws"
	"github.com/your-org/proctor/internal/auth"
	"github.com/your-org/proctor/internal/queue"
	"github.com/your-org/proctor/internal/roleclient"
	"github.com/your-org/proctor/internal/storage"
)

type RouterConfig struct {
	APIKey     string
	SigningKey string
	Issuer     string
	DB         *storage.PostgresStore
	MinIO      *storage.MinIOStore
	Producer   *queue.Producer
	Hub        *ws.Hub
	Roles      *roleclient.Client
	// EmbedFn extracts a face embedding from image bytes (from vision pipeline).
	EmbedFn func(imageData []byte) ([]float32, error)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Role lookup stays open: scanner devices resolve an operator's role
	// before they hold any credential.
	operatorH := handlers.NewOperatorHandler(cfg.DB, cfg.Roles)
	r.GET("/user-role/:id", operatorH.UserRole)

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.AccessMiddleware(cfg.APIKey, cfg.SigningKey, cfg.Issuer))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Students
	studentH := handlers.NewStudentHandler(cfg.DB, cfg.MinIO)
	studentH.EmbedFn = cfg.EmbedFn
	v1.POST("/students", studentH.Register)
	v1.GET("/students", studentH.List)
	v1.GET("/students/:id", studentH.Get)
	v1.GET("/students/:id/photo", studentH.Photo)

	// Courses
	courseH := handlers.NewCourseHandler(cfg.DB)
	v1.POST("/courses", courseH.Create)
	v1.POST("/courses/:id/registrations", courseH.RegisterStudent)

	// Exam sessions & assignments
	sessionH := handlers.NewSessionHandler(cfg.DB)
	v1.POST("/sessions", sessionH.Create)
	v1.GET("/sessions", sessionH.List)
	v1.GET("/sessions/:id", sessionH.Get)
	v1.PUT("/sessions/:id/status", sessionH.UpdateStatus)
	v1.POST("/sessions/:id/courses", sessionH.LinkCourse)
	v1.GET("/sessions/:id/roster", sessionH.Roster)
	v1.POST("/assignments", sessionH.CreateAssignment)
	v1.GET("/sessions/:id/assignment", sessionH.GetAssignment)

	// Verification attempts
	attemptH := handlers.NewAttemptHandler(cfg.DB, cfg.MinIO)
	v1.GET("/sessions/:id/attempts", attemptH.List)
	v1.GET("/sessions/:id/verified", attemptH.Verified)
	v1.GET("/attempts/:id/snapshot", attemptH.Snapshot)

	return r
}
