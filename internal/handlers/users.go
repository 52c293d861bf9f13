package handlers

import (
	"context"
	"net/http"

	"github.com/goodlistener/callserver/internal/callflow"
	"github.com/goodlistener/callserver/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// userRoles reads the persisted role flag from the users table.
type userRoles struct {
	db *gorm.DB
}

func (r *userRoles) RoleFor(ctx context.Context, userID string) (callflow.Role, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Select("id", "role").First(&user, "id = ?", userID).Error; err != nil {
		return "", err
	}
	return callflow.ParseRole(user.Role)
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *Handlers) GetMe(c *gin.Context) {
	userID := currentUserID(c)

	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	response := gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"nickname":   user.Nickname,
		"role":       user.Role,
		"created_at": user.CreatedAt,
		"updated_at": user.UpdatedAt,
	}
	if sessionID, ok := h.sessions.ActiveForUser(userID); ok {
		response["active_session_id"] = sessionID
	}
	c.JSON(http.StatusOK, response)
}

// SetRole switches the role flag. Open sessions keep the role they were created with.
func (h *Handlers) SetRole(c *gin.Context) {
	userID := currentUserID(c)

	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := callflow.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.db.Model(&models.User{}).Where("id = ?", userID).Update("role", role.String())
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update role"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	h.logger.Info("user role changed", "user_id", userID, "role", role)
	c.JSON(http.StatusOK, gin.H{"id": userID, "role": role})
}
