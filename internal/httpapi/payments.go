package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hostel/internal/auth"
	"hostel/internal/payment"
)

func (h *Handler) submitPayment(c *gin.Context) {
	var in payment.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	reg, ok := actingFor(c, in.StudentRegNumber)
	if !ok {
		return
	}
	in.StudentRegNumber = reg
	id, err := h.Payments.Submit(c.Request.Context(), in, identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) myPayments(c *gin.Context) {
	reg, ok := actingFor(c, c.Query("regNumber"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": h.Payments.ForStudent(c.Request.Context(), reg)})
}

// ownPayment loads the payment in the path and checks the caller may edit it.
func (h *Handler) ownPayment(c *gin.Context) (*payment.Payment, bool) {
	p, err := h.Payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if id := identity(c); !id.IsAdmin() && !paidBy(id, p) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return p, true
}

func paidBy(id auth.Identity, p *payment.Payment) bool {
	if id.RegNumber != "" {
		return p.StudentRegNumber == id.RegNumber
	}
	return p.UserID != "" && p.UserID == id.UserID
}

func (h *Handler) editPayment(c *gin.Context) {
	var in payment.EditInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := h.ownPayment(c)
	if !ok {
		return
	}
	updated, err := h.Payments.Update(c.Request.Context(), p.ID, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// attachReceipt accepts either a multipart "file", which is uploaded first, or
// a JSON body {"url": "..."} naming an already stored file.
func (h *Handler) attachReceipt(c *gin.Context) {
	p, ok := h.ownPayment(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var ref string
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		if h.Uploader == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attachment storage not configured"})
			return
		}
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		att, err := h.Uploader.Upload(ctx, header.Filename, file)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "receipt upload failed"})
			return
		}
		ref = att.SecureURL
	} else {
		var body struct {
			URL string `json:"url" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": `provide a multipart "file" or {"url": "..."}`})
			return
		}
		ref = body.URL
	}

	updated, err := h.Payments.AddAttachment(ctx, p.ID, ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) paymentsByStatus(c *gin.Context) {
	status := payment.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": h.Payments.ByStatus(c.Request.Context(), status)})
}

func (h *Handler) paymentStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Payments.Stats(c.Request.Context()))
}

func (h *Handler) approvePayment(c *gin.Context) {
	p, err := h.Payments.Approve(c.Request.Context(), c.Param("id"), identity(c).Email)
	var partial *payment.PartialFailureError
	switch {
	case errors.As(err, &partial):
		c.JSON(http.StatusMultiStatus, gin.H{"payment": p, "error": partial.Error()})
	case err != nil:
		h.fail(c, err)
	default:
		c.JSON(http.StatusOK, p)
	}
}

func (h *Handler) rejectPayment(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.Payments.Reject(c.Request.Context(), c.Param("id"), identity(c).Email, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
