package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"forecast_platform/models"
	"forecast_platform/services/licensemanager"
)

// LicenseController exposes license quota state
type LicenseController struct {
	manager *licensemanager.Manager
}

// NewLicenseController creates a new license controller
func NewLicenseController(manager *licensemanager.Manager) *LicenseController {
	return &LicenseController{manager: manager}
}

// GetUsage returns today's usage per license. License ids are
// truncated; full license strings are credentials.
// GET /api/v1/licenses/usage
func (ctrl *LicenseController) GetUsage(c *gin.Context) {
	snapshot, err := ctrl.manager.UsageSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	type usageRow struct {
		License    string `json:"license"`
		UsageCount int    `json:"usage_count"`
		DailyLimit int    `json:"daily_limit"`
		Remaining  int    `json:"remaining"`
	}

	rows := make([]usageRow, 0, len(snapshot))
	totalUsed, totalLimit := 0, 0
	for _, usage := range snapshot {
		rows = append(rows, usageRow{
			License:    models.TruncateLicense(usage.LicenseID),
			UsageCount: usage.UsageCount,
			DailyLimit: usage.DailyLimit,
			Remaining:  usage.DailyLimit - usage.UsageCount,
		})
		totalUsed += usage.UsageCount
		totalLimit += usage.DailyLimit
	}

	c.JSON(http.StatusOK, gin.H{
		"licenses":    rows,
		"count":       len(rows),
		"total_used":  totalUsed,
		"total_limit": totalLimit,
	})
}

// RefreshRegistry reloads the license registry from the store
// POST /api/v1/licenses/refresh
func (ctrl *LicenseController) RefreshRegistry(c *gin.Context) {
	if err := ctrl.manager.RefreshRegistry(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

// TestAcquire reserves and immediately compensates one quota unit,
// verifying the reservation path end to end.
// POST /api/v1/licenses/test-acquire
func (ctrl *LicenseController) TestAcquire(c *gin.Context) {
	handle, err := ctrl.manager.Acquire(c.Request.Context())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, licensemanager.ErrPoolExhausted) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	ctrl.manager.Compensate(handle)

	c.JSON(http.StatusOK, gin.H{
		"granted": true,
		"license": models.TruncateLicense(handle.LicenseID),
		"date":    handle.Date,
	})
}
