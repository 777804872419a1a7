package payment

import (
	"errors"
	"fmt"
	"time"

	"hostel/internal/store"
)

// Collection holds one document per submitted payment.
const Collection = "payments"

var (
	ErrNotFound       = fmt.Errorf("payment %w", store.ErrNotFound)
	ErrAlreadyDecided = errors.New("payment has already been decided")
	ErrInvalidInput   = errors.New("invalid payment")
)

// Status is the review state of a payment.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Payment is a receipt a student submits against an allocation.
type Payment struct {
	ID               string     `json:"id"`
	StudentRegNumber string     `json:"studentRegNumber"`
	AllocationID     string     `json:"allocationId"`
	ReceiptNumber    string     `json:"receiptNumber"`
	Amount           float64    `json:"amount"`
	Method           string     `json:"paymentMethod"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	Status           Status     `json:"status"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	RejectedBy       string     `json:"rejectedBy,omitempty"`
	RejectedAt       *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason  string     `json:"rejectionReason,omitempty"`
	Attachments      []string   `json:"attachments"`
	Notes            string     `json:"notes,omitempty"`
	UserID           string     `json:"userId,omitempty"`
}

func (p Payment) fields() (store.Fields, error) {
	f, err := store.FieldsOf(p)
	if err != nil {
		return nil, err
	}
	delete(f, "id")
	return f, nil
}

func decode(doc *store.Document) (Payment, error) {
	var p Payment
	if err := doc.Decode(&p); err != nil {
		return Payment{}, err
	}
	p.ID = doc.ID
	if p.AllocationID == "" || !p.Status.Valid() {
		return Payment{}, fmt.Errorf("payment %s: malformed record (status %q)", doc.ID, p.Status)
	}
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	return p, nil
}

// SubmitInput is what a student sends with a new payment.
type SubmitInput struct {
	StudentRegNumber string   `json:"studentRegNumber"`
	AllocationID     string   `json:"allocationId" binding:"required"`
	ReceiptNumber    string   `json:"receiptNumber"`
	Amount           float64  `json:"amount" binding:"required"`
	Method           string   `json:"paymentMethod"`
	Notes            string   `json:"notes"`
	Attachments      []string `json:"attachments"`
}

func (in SubmitInput) validate() error {
	switch {
	case in.AllocationID == "":
		return fmt.Errorf("%w: allocation id is required", ErrInvalidInput)
	case in.StudentRegNumber == "":
		return fmt.Errorf("%w: registration number is required", ErrInvalidInput)
	case in.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// EditInput changes a payment before it is decided. Nil fields are kept.
type EditInput struct {
	ReceiptNumber *string  `json:"receiptNumber"`
	Amount        *float64 `json:"amount"`
	Method        *string  `json:"paymentMethod"`
	Notes         *string  `json:"notes"`
}

func (in EditInput) fields() (store.Fields, error) {
	f := store.Fields{}
	if in.ReceiptNumber != nil {
		f["receiptNumber"] = *in.ReceiptNumber
	}
	if in.Amount != nil {
		if *in.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
		}
		f["amount"] = *in.Amount
	}
	if in.Method != nil {
		f["paymentMethod"] = *in.Method
	}
	if in.Notes != nil {
		f["notes"] = *in.Notes
	}
	return f, nil
}

// Stats aggregates payments across all students.
type Stats struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Approved       int     `json:"approved"`
	Rejected       int     `json:"rejected"`
	ApprovedAmount float64 `json:"approvedAmount"`
}

// PartialFailureError reports an approval whose allocation update failed. The
// payment stays approved.
type PartialFailureError struct {
	PaymentID    string
	AllocationID string
	Err          error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("payment %s approved but allocation %s was not marked paid: %v",
		e.PaymentID, e.AllocationID, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }
