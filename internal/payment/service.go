// Package payment handles payment submission and the admin decision that
// marks an allocation paid.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostel/internal/metrics"
	"hostel/internal/store"
)

const maxDecisionRetries = 3

// Allocations is what payments need from the allocation records.
type Allocations interface {
	// StudentOf returns the registration number holding allocationID.
	StudentOf(ctx context.Context, allocationID string) (string, error)
	// MarkPaid stamps an approved payment onto its allocation.
	MarkPaid(ctx context.Context, allocationID, paymentID string) error
}

// Service manages payment records.
type Service struct {
	store       store.Store
	allocations Allocations
	logger      *zap.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a payment service.
func NewService(st store.Store, allocations Allocations, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		allocations: allocations,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores a Pending payment and returns its id. The allocation must
// exist and belong to the paying student; it is not touched.
func (s *Service) Submit(ctx context.Context, in SubmitInput, userID string) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	holder, err := s.allocations.StudentOf(ctx, in.AllocationID)
	if err != nil {
		return "", err
	}
	if holder != in.StudentRegNumber {
		return "", fmt.Errorf("%w: allocation %s is not held by %s", ErrInvalidInput, in.AllocationID, in.StudentRegNumber)
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	p := Payment{
		StudentRegNumber: in.StudentRegNumber,
		AllocationID:     in.AllocationID,
		ReceiptNumber:    in.ReceiptNumber,
		Amount:           in.Amount,
		Method:           in.Method,
		SubmittedAt:      s.now(),
		Status:           StatusPending,
		Attachments:      attachments,
		Notes:            in.Notes,
		UserID:           userID,
	}
	fields, err := p.fields()
	if err != nil {
		return "", err
	}
	doc, err := s.store.Create(ctx, Collection, "", fields)
	if err != nil {
		s.logger.Error("payment submit failed",
			zap.String("allocation_id", in.AllocationID), zap.Error(err))
		return "", fmt.Errorf("create payment: %w", err)
	}
	s.metrics.Payment("submitted")
	s.logger.Info("payment submitted",
		zap.String("payment_id", doc.ID),
		zap.String("allocation_id", in.AllocationID),
		zap.Float64("amount", in.Amount))
	return doc.ID, nil
}

// transition applies change to a Pending payment, conditional on the version
// it read. A payment decided in between yields ErrAlreadyDecided.
func (s *Service) transition(ctx context.Context, id string, change func(p Payment) (store.Fields, error)) (*Payment, error) {
	for attempt := 0; ; attempt++ {
		doc, err := s.getDoc(ctx, id)
		if err != nil {
			return nil, err
		}
		p, err := decode(doc)
		if err != nil {
			return nil, err
		}
		if p.Status != StatusPending {
			return nil, fmt.Errorf("%s is %s: %w", id, p.Status, ErrAlreadyDecided)
		}
		fields, err := change(p)
		if err != nil {
			return nil, err
		}
		updated, err := s.store.Update(ctx, Collection, id, fields, store.IfVersion(doc.Version))
		if err == nil {
			out, err := decode(updated)
			if err != nil {
				return nil, err
			}
			return &out, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= maxDecisionRetries {
			s.logger.Error("payment update failed", zap.String("payment_id", id), zap.Error(err))
			return nil, fmt.Errorf("update payment %s: %w", id, err)
		}
	}
}

// Update edits a payment that has not been decided yet.
func (s *Service) Update(ctx context.Context, id string, in EditInput) (*Payment, error) {
	fields, err := in.fields()
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, func(Payment) (store.Fields, error) { return fields, nil })
}

// AddAttachment appends a receipt reference to a payment awaiting review.
func (s *Service) AddAttachment(ctx context.Context, id, ref string) (*Payment, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty attachment reference", ErrInvalidInput)
	}
	return s.transition(ctx, id, func(p Payment) (store.Fields, error) {
		return store.Fields{"attachments": append(p.Attachments, ref)}, nil
	})
}

// Approve marks the payment approved and then the allocation paid. The two
// writes are separate: if the second fails the payment stays approved and a
// *PartialFailureError is returned with it.
func (s *Service) Approve(ctx context.Context, id, adminEmail string) (*Payment, error) {
	now := s.now()
	p, err := s.transition(ctx, id, func(Payment) (store.Fields, error) {
		return store.Fields{
			"status":     StatusApproved,
			"approvedBy": adminEmail,
			"approvedAt": now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("payment_id", id), zap.String("allocation_id", p.AllocationID))

	if err := s.allocations.MarkPaid(ctx, p.AllocationID, p.ID); err != nil {
		log.Error("payment approved but allocation not updated", zap.Error(err))
		s.metrics.Payment("approved_partial")
		return p, &PartialFailureError{PaymentID: p.ID, AllocationID: p.AllocationID, Err: err}
	}
	s.metrics.Payment("approved")
	log.Info("payment approved", zap.String("by", adminEmail))
	return p, nil
}

// Reject marks the payment rejected. The allocation is left as it is so the
// student can submit again.
func (s *Service) Reject(ctx context.Context, id, adminEmail, reason string) (*Payment, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", ErrInvalidInput)
	}
	now := s.now()
	p, err := s.transition(ctx, id, func(Payment) (store.Fields, error) {
		return store.Fields{
			"status":          StatusRejected,
			"rejectedBy":      adminEmail,
			"rejectedAt":      now,
			"rejectionReason": reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Payment("rejected")
	s.logger.Info("payment rejected", zap.String("payment_id", id), zap.String("by", adminEmail))
	return p, nil
}

func (s *Service) getDoc(ctx context.Context, id string) (*store.Document, error) {
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return doc, nil
}

// Get fetches one payment.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	doc, err := s.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := decode(doc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// list is a read path: failures are logged and yield an empty result.
func (s *Service) list(ctx context.Context, filters ...store.Filter) []Payment {
	docs, err := s.store.List(ctx, Collection, store.Query{Filters: filters, OrderBy: store.OrderCreatedAt, Desc: true})
	if err != nil {
		s.logger.Error("payment list failed", zap.Error(err))
		return []Payment{}
	}
	out := make([]Payment, 0, len(docs))
	for _, doc := range docs {
		p, err := decode(doc)
		if err != nil {
			s.logger.Warn("skipping payment record", zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out
}

// ForStudent lists a student's payments, newest first.
func (s *Service) ForStudent(ctx context.Context, regNumber string) []Payment {
	return s.list(ctx, store.Eq("studentRegNumber", regNumber))
}

// ByStatus lists payments in the given status; an empty status lists all.
func (s *Service) ByStatus(ctx context.Context, status Status) []Payment {
	if status == "" {
		return s.list(ctx)
	}
	return s.list(ctx, store.Eq("status", status))
}

// ApprovedForAllocation returns the approved payment of an allocation, or nil.
func (s *Service) ApprovedForAllocation(ctx context.Context, allocationID string) *Payment {
	return s.firstFor(ctx, allocationID, StatusApproved)
}

// PendingForAllocation returns the newest payment awaiting review, or nil.
func (s *Service) PendingForAllocation(ctx context.Context, allocationID string) *Payment {
	return s.firstFor(ctx, allocationID, StatusPending)
}

func (s *Service) firstFor(ctx context.Context, allocationID string, status Status) *Payment {
	ps := s.list(ctx, store.Eq("allocationId", allocationID), store.Eq("status", status))
	if len(ps) == 0 {
		return nil
	}
	return &ps[0]
}

// Stats counts payments per status and sums approved amounts.
func (s *Service) Stats(ctx context.Context) Stats {
	var st Stats
	for _, p := range s.list(ctx) {
		st.Total++
		switch p.Status {
		case StatusPending:
			st.Pending++
		case StatusApproved:
			st.Approved++
			st.ApprovedAmount += p.Amount
		case StatusRejected:
			st.Rejected++
		}
	}
	return st
}
