package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"forecast_platform/middleware"
	"forecast_platform/models"
)

// AuthController handles admin authentication
type AuthController struct {
	db *gorm.DB
}

// NewAuthController creates a new auth controller
func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates an admin user and issues a session token
// POST /api/v1/auth/login
func (ctrl *AuthController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "username and password are required",
		})
		return
	}

	ip := c.ClientIP()

	var user models.AdminUser
	err := ctrl.db.Where("username = ? AND is_active = ?", req.Username, true).First(&user).Error
	if err != nil || !user.CheckPassword(req.Password) {
		middleware.RecordLoginAttempt(ip, false)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid username or password",
		})
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(&user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "failed to issue token",
		})
		return
	}

	middleware.RecordLoginAttempt(ip, true)

	now := time.Now()
	user.LastLoginAt = &now
	ctrl.db.Model(&user).Update("last_login_at", now)

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user": gin.H{
			"id":        user.ID,
			"username":  user.Username,
			"email":     user.Email,
			"full_name": user.FullName,
			"role":      user.Role,
		},
	})
}

// Me returns the authenticated user's profile
// GET /api/v1/auth/me
func (ctrl *AuthController) Me(c *gin.Context) {
	username, err := middleware.GetUsernameFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var user models.AdminUser
	if err := ctrl.db.Where("username = ?", username).First(&user).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListRecipients returns the configured alert recipients
// GET /api/v1/auth/recipients
func (ctrl *AuthController) ListRecipients(c *gin.Context) {
	var recipients []models.AlertRecipient
	if err := ctrl.db.Order("id").Find(&recipients).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipients": recipients, "count": len(recipients)})
}

type recipientRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Label    string `json:"label"`
	IsActive *bool  `json:"is_active"`
}

// CreateRecipient adds an alert recipient
// POST /api/v1/auth/recipients
func (ctrl *AuthController) CreateRecipient(c *gin.Context) {
	var req recipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a valid email is required"})
		return
	}

	recipient := models.AlertRecipient{
		Email:    req.Email,
		Label:    req.Label,
		IsActive: true,
	}
	if req.IsActive != nil {
		recipient.IsActive = *req.IsActive
	}

	if err := ctrl.db.Create(&recipient).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "recipient already exists"})
		return
	}
	c.JSON(http.StatusCreated, recipient)
}

// DeleteRecipient removes an alert recipient
// DELETE /api/v1/auth/recipients/:id
func (ctrl *AuthController) DeleteRecipient(c *gin.Context) {
	result := ctrl.db.Delete(&models.AlertRecipient{}, "id = ?", c.Param("id"))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "recipient not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
