package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hostel/internal/settings"
)

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.Settings.Get(c.Request.Context()))
}

func (h *Handler) updateSettings(c *gin.Context) {
	var p settings.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.Settings.Update(c.Request.Context(), p, identity(c).Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// runSweep answers 200 whenever the caller is authenticated, including when
// the sweep itself failed.
func (h *Handler) runSweep(c *gin.Context) {
	res, err := h.Sweep.Run(c.Request.Context(), h.TriggerPolicy)
	if err != nil {
		h.Logger.Warn("triggered sweep failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) sweepStatus(c *gin.Context) {
	sum, err := h.Sweep.Status(c.Request.Context())
	if err != nil {
		h.Logger.Warn("sweep status failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"message": "Status check failed", "timestamp": sum.CheckedAt})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "Deadline status",
		"unpaid":    sum.Pending,
		"expired":   sum.Expired,
		"overdue":   sum.Overdue,
		"timestamp": sum.CheckedAt,
	})
}
