package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/proctor/internal/api"
	"github.com/your-org/proctor/internal/auth"
	"github.com/your-org/proctor/internal/config"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/roleclient"
	"github.com/your-org/proctor/internal/staging"
	"github.com/your-org/proctor/internal/verify"
)

// controlServer is the device-local HTTP surface the invigilator UI drives.
// It is bound to the scanner host; session authorization happens in the
// controller, not here.
type controlServer struct {
	cfg        *config.Config
	controller *verify.Controller
	queue      *staging.Queue
	roles      *roleclient.Client

	// onSessionStart is called with the session ID after a successful start,
	// to begin the live verified-students feed.
	onSessionStart func(sessionID uuid.UUID)
}

func (s *controlServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.LoggingMiddleware())
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/session/start", s.startSession)
	r.POST("/session/stop", s.stopSession)
	r.POST("/scan", s.scan)
	r.POST("/narrow", s.narrow)
	r.POST("/dismiss", s.dismiss)
	r.GET("/state", s.state)
	r.GET("/staging", s.staging)

	return r
}

type startSessionRequest struct {
	SessionID     uuid.UUID `json:"session_id" binding:"required"`
	Token         string    `json:"token"`
	InvigilatorID string    `json:"invigilator_id"`
}

// startSession authorizes the operator and loads the session roster. The
// operator identity comes from a signed token when present, otherwise from a
// role lookup against the coordination server.
func (s *controlServer) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var identity verify.Identity
	switch {
	case req.Token != "":
		claims, err := auth.Parse(req.Token, s.cfg.Auth.SigningKey, s.cfg.Auth.Issuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			return
		}
		identity = verify.Identity{OperatorID: claims.Subject, Role: claims.Role}
	case req.InvigilatorID != "":
		role, err := s.roles.UserRole(c.Request.Context(), req.InvigilatorID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "role lookup failed: " + err.Error()})
			return
		}
		identity = verify.Identity{OperatorID: req.InvigilatorID, Role: role.Role}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "token or invigilator_id required"})
		return
	}

	if err := s.controller.Start(c.Request.Context(), identity, req.SessionID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "state": s.controller.State()})
		return
	}

	if s.onSessionStart != nil {
		s.onSessionStart(req.SessionID)
	}

	roster := s.controller.Roster()
	resp := gin.H{
		"state":          s.controller.State(),
		"session_id":     req.SessionID,
		"room_id":        roster.RoomID,
		"eligible_count": len(roster.Students),
	}
	if roster.Warning != "" {
		resp["warning"] = roster.Warning
	}
	c.JSON(http.StatusOK, resp)
}

func (s *controlServer) stopSession(c *gin.Context) {
	s.controller.Close()
	c.JSON(http.StatusOK, gin.H{"state": s.controller.State()})
}

func (s *controlServer) scan(c *gin.Context) {
	outcome, err := s.controller.Scan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.controller.State()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type narrowRequest struct {
	StudentID string `json:"student_id" binding:"required"`
}

func (s *controlServer) narrow(c *gin.Context) {
	var req narrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.controller.Narrow(c.Request.Context(), req.StudentID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.controller.State()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *controlServer) dismiss(c *gin.Context) {
	s.controller.Dismiss()
	c.JSON(http.StatusOK, gin.H{"state": s.controller.State()})
}

func (s *controlServer) state(c *gin.Context) {
	pending, synced, failed, _ := s.queue.Stats()

	resp := gin.H{
		"state":          s.controller.State(),
		"verified_count": s.controller.VerifiedCount(),
		"staging": gin.H{
			"pending": pending,
			"synced":  synced,
			"failed":  failed,
		},
	}
	if roster := s.controller.Roster(); roster != nil {
		resp["session_id"] = roster.SessionID
		resp["eligible_count"] = len(roster.Students)
		if roster.Warning != "" {
			resp["warning"] = roster.Warning
		}
	}
	c.JSON(http.StatusOK, resp)
}

// staging exposes the local queue for diagnosis: counts plus any records that
// exhausted their retries.
func (s *controlServer) staging(c *gin.Context) {
	pending, synced, failed, err := s.queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	failedRecs, err := s.queue.Records(models.SyncFailed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type failedEntry struct {
		LocalID   uint64 `json:"local_id"`
		RemoteID  string `json:"remote_id"`
		Kind      string `json:"kind"`
		Retries   int    `json:"retries"`
		LastError string `json:"last_error"`
	}
	entries := make([]failedEntry, 0, len(failedRecs))
	for _, rec := range failedRecs {
		entries = append(entries, failedEntry{
			LocalID:   rec.LocalID,
			RemoteID:  rec.RemoteID.String(),
			Kind:      rec.Kind,
			Retries:   rec.Retries,
			LastError: rec.LastError,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"synced":  synced,
		"failed":  failed,
		"records": entries,
	})
}
