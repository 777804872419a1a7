package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hostel/internal/hostel"
)

func (h *Handler) listHostels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"hostels": h.Tree.List(c.Request.Context())})
}

func (h *Handler) getHostel(c *gin.Context) {
	ht := h.Tree.Get(c.Request.Context(), c.Param("id"))
	if ht == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": hostel.ErrHostelNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, ht)
}

// availableRooms lists the rooms a student could select right now.
func (h *Handler) availableRooms(c *gin.Context) {
	ht := h.Tree.Get(c.Request.Context(), c.Param("id"))
	if ht == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": hostel.ErrHostelNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": ht.SelectableRooms()})
}

func (h *Handler) createHostel(c *gin.Context) {
	var in hostel.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ht, err := h.Tree.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ht)
}

func (h *Handler) addFloor(c *gin.Context) {
	var in hostel.FloorInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	f, err := h.Tree.AddFloor(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) addRooms(c *gin.Context) {
	var in hostel.RangeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rooms, err := h.Tree.AddRoomsInRange(c.Request.Context(), c.Param("id"), c.Param("floorId"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"added": rooms})
}

func (h *Handler) removeRoom(c *gin.Context) {
	res, err := h.Tree.RemoveRoom(c.Request.Context(), c.Param("id"), c.Param("roomId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	removalResponse(c, res)
}

func (h *Handler) removeFloor(c *gin.Context) {
	res, err := h.Tree.RemoveFloor(c.Request.Context(), c.Param("id"), c.Param("floorId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	removalResponse(c, res)
}

// removalResponse answers 207 when the removal stood but some allocations
// could not be revoked.
func removalResponse(c *gin.Context, res hostel.RemovalResult) {
	if !res.PartialFailure() {
		c.JSON(http.StatusOK, gin.H{"removedRoomIds": res.RemovedRoomIDs})
		return
	}
	msgs := make([]string, 0, len(res.CleanupErrors))
	for _, err := range res.CleanupErrors {
		msgs = append(msgs, err.Error())
	}
	c.JSON(http.StatusMultiStatus, gin.H{
		"removedRoomIds": res.RemovedRoomIDs,
		"cleanupErrors":  msgs,
	})
}

func (h *Handler) reserveRoom(c *gin.Context) {
	var req struct {
		Days int `json:"days" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	room, err := h.Allocations.ReserveRoom(c.Request.Context(), c.Param("roomId"), c.Param("id"), identity(c).Email, req.Days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) unreserveRoom(c *gin.Context) {
	room, err := h.Allocations.UnreserveRoom(c.Request.Context(), c.Param("roomId"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) expiredReservations(c *gin.Context) {
	rooms, err := h.Tree.ExpiredReservations(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}
