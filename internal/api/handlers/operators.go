package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/proctor/internal/roleclient"
	"github.com/your-org/proctor/internal/storage"
)

// OperatorHandler resolves operator roles. The local operators table is
// checked first; unknown operators fall through to the institution's identity
// service.
type OperatorHandler struct {
	db    *storage.PostgresStore
	roles *roleclient.Client
}

func NewOperatorHandler(db *storage.PostgresStore, roles *roleclient.Client) *OperatorHandler {
	return &OperatorHandler{db: db, roles: roles}
}

func (h *OperatorHandler) UserRole(c *gin.Context) {
	userID := c.Param("id")

	var role string
	if h.db != nil {
		var err error
		role, err = h.db.GetOperatorRole(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if role == "" && h.roles != nil {
		remote, err := h.roles.UserRole(c.Request.Context(), userID)
		if err == nil {
			role = remote.Role
		}
	}

	if role == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": role})
}
