package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hostel/internal/allocation"
	"hostel/internal/auth"
)

func (h *Handler) allocate(c *gin.Context) {
	var req allocation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reg, ok := actingFor(c, req.StudentRegNumber)
	if !ok {
		return
	}
	req.StudentRegNumber = reg
	req.UserID = identity(c).UserID
	a, err := h.Allocations.Allocate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) myAllocation(c *gin.Context) {
	reg, ok := actingFor(c, c.Query("regNumber"))
	if !ok {
		return
	}
	a := h.Allocations.ForStudent(c.Request.Context(), reg)
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no allocation"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// revokeOwn lets students give up their own room; admins may revoke any.
func (h *Handler) revokeOwn(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.Allocations.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if id := identity(c); !id.IsAdmin() && !holds(id, a) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.Allocations.Revoke(ctx, a.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func holds(id auth.Identity, a *allocation.Allocation) bool {
	if id.RegNumber != "" {
		return a.StudentRegNumber == id.RegNumber
	}
	return a.UserID != "" && a.UserID == id.UserID
}

func (h *Handler) revokeAny(c *gin.Context) {
	if err := h.Allocations.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listAllocations(c *gin.Context) {
	allocs := h.Allocations.List(c.Request.Context(), allocation.Filter{
		Status:           allocation.Status(c.Query("status")),
		HostelID:         c.Query("hostelId"),
		RoomID:           c.Query("roomId"),
		StudentRegNumber: c.Query("regNumber"),
	})
	c.JSON(http.StatusOK, gin.H{"allocations": allocs})
}
