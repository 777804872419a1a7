// Package httpapi exposes the lifecycle services over HTTP.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hostel/internal/allocation"
	"hostel/internal/attachments"
	"hostel/internal/auth"
	"hostel/internal/hostel"
	"hostel/internal/payment"
	"hostel/internal/settings"
	"hostel/internal/store"
	"hostel/internal/sweep"
)

// Deps are the services the handlers call. Uploader may be nil.
type Deps struct {
	Tree          *hostel.Tree
	Allocations   *allocation.Service
	Payments      *payment.Service
	Settings      *settings.Resolver
	Sweep         *sweep.Job
	Uploader      attachments.Uploader
	TriggerPolicy allocation.RevokePolicy
	Logger        *zap.Logger
}

// Auth configures route protection.
type Auth struct {
	SigningKey string
	Issuer     string
	CronSecret string
}

// Handler serves the API routes.
type Handler struct {
	Deps
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.TriggerPolicy == "" {
		d.TriggerPolicy = allocation.RevokeOverdueBacklog
	}
	return &Handler{Deps: d}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter, a Auth) {
	cron := r.Group("/api/check-deadlines", auth.SharedSecret(a.CronSecret))
	cron.POST("", h.runSweep)
	cron.GET("", h.sweepStatus)

	v1 := r.Group("/v1", auth.RequireUser(a.SigningKey, a.Issuer))
	v1.GET("/hostels", h.listHostels)
	v1.GET("/hostels/:id", h.getHostel)
	v1.GET("/hostels/:id/rooms/available", h.availableRooms)

	v1.POST("/allocations", h.allocate)
	v1.GET("/allocations/me", h.myAllocation)
	v1.DELETE("/allocations/:id", h.revokeOwn)

	v1.POST("/payments", h.submitPayment)
	v1.GET("/payments", h.myPayments)
	v1.PUT("/payments/:id", h.editPayment)
	v1.POST("/payments/:id/attachments", h.attachReceipt)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/hostels", h.createHostel)
	admin.POST("/hostels/:id/floors", h.addFloor)
	admin.DELETE("/hostels/:id/floors/:floorId", h.removeFloor)
	admin.POST("/hostels/:id/floors/:floorId/rooms", h.addRooms)
	admin.DELETE("/hostels/:id/rooms/:roomId", h.removeRoom)
	admin.POST("/hostels/:id/rooms/:roomId/reserve", h.reserveRoom)
	admin.DELETE("/hostels/:id/rooms/:roomId/reserve", h.unreserveRoom)
	admin.GET("/hostels/:id/reservations/expired", h.expiredReservations)

	admin.GET("/allocations", h.listAllocations)
	admin.DELETE("/allocations/:id", h.revokeAny)

	admin.GET("/payments", h.paymentsByStatus)
	admin.GET("/payments/stats", h.paymentStats)
	admin.POST("/payments/:id/approve", h.approvePayment)
	admin.POST("/payments/:id/reject", h.rejectPayment)

	admin.GET("/settings", h.getSettings)
	admin.PUT("/settings", h.updateSettings)
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c)
	return id
}

// actingFor resolves the registration number a request acts for. Students act
// only for the number in their token; admins must name one. On false the
// response has been written.
func actingFor(c *gin.Context, requested string) (string, bool) {
	id := identity(c)
	if id.IsAdmin() {
		if requested == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "regNumber is required"})
			return "", false
		}
		return requested, true
	}
	if id.RegNumber == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "token carries no registration number"})
		return "", false
	}
	if requested != "" && requested != id.RegNumber {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return id.RegNumber, true
}

func statusFor(err error) int {
	switch {
	case hostel.IsNotFound(err), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hostel.ErrInvalidInput),
		errors.Is(err, allocation.ErrInvalidRequest),
		errors.Is(err, payment.ErrInvalidInput),
		errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, hostel.ErrDuplicateFloor),
		errors.Is(err, hostel.ErrRoomUnavailable),
		errors.Is(err, allocation.ErrAlreadyAllocated),
		errors.Is(err, allocation.ErrRevoking),
		errors.Is(err, payment.ErrAlreadyDecided),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and hidden.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
