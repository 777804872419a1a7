// Package allocation manages room allocations: placing students in rooms,
// revoking them, and sweeping allocations whose payment deadline has passed.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostel/internal/hostel"
	"hostel/internal/metrics"
	"hostel/internal/settings"
	"hostel/internal/store"
)

const maxMarkAttempts = 5

// SettingsSource yields the current hostel settings.
type SettingsSource interface {
	Get(ctx context.Context) settings.HostelSettings
}

// Service coordinates allocation records with the hostel tree.
type Service struct {
	store    store.Store
	tree     *hostel.Tree
	settings SettingsSource
	logger   *zap.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for deadlines and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records lifecycle events on m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates an allocation service.
func NewService(st store.Store, tree *hostel.Tree, cfg SettingsSource, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		tree:     tree,
		settings: cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate creates a Pending allocation and adds the student to the room. If
// the room update fails the new record is deleted again.
func (s *Service) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	log := s.logger.With(
		zap.String("student", req.StudentRegNumber),
		zap.String("hostel_id", req.HostelID),
		zap.String("room_id", req.RoomID))

	cfg := s.settings.Get(ctx)

	existing, err := s.list(ctx, Filter{StudentRegNumber: req.StudentRegNumber})
	if err != nil {
		log.Error("allocation lookup failed", zap.Error(err))
		return nil, err
	}
	if len(existing) > 0 {
		s.metrics.Allocation("rejected")
		return nil, fmt.Errorf("%s holds %s: %w", req.StudentRegNumber, existing[0].ID, ErrAlreadyAllocated)
	}

	h, err := s.tree.Load(ctx, req.HostelID)
	if err != nil {
		return nil, err
	}
	room, ok := h.FindRoom(req.RoomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.RoomID, hostel.ErrRoomNotFound)
	}
	if !room.Selectable() {
		s.metrics.Allocation("rejected")
		return nil, fmt.Errorf("%s: %w", req.RoomID, hostel.ErrRoomUnavailable)
	}

	now := s.now()
	a := Allocation{
		StudentRegNumber: req.StudentRegNumber,
		RoomID:           req.RoomID,
		HostelID:         req.HostelID,
		AllocatedAt:      now,
		PaymentStatus:    StatusPending,
		PaymentDeadline:  now.Add(cfg.GracePeriod()),
		Semester:         Semester(now),
		AcademicYear:     AcademicYear(now),
		UserID:           req.UserID,
	}
	fields, err := a.fields()
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Create(ctx, Collection, "", fields)
	if err != nil {
		log.Error("allocation create failed", zap.Error(err))
		s.metrics.Allocation("failed")
		return nil, fmt.Errorf("create allocation: %w", err)
	}
	a.ID = doc.ID

	if _, err := s.tree.AddOccupant(ctx, req.HostelID, req.RoomID, req.StudentRegNumber); err != nil {
		log.Warn("room update failed, deleting allocation", zap.String("allocation_id", a.ID), zap.Error(err))
		if derr := s.store.Delete(ctx, Collection, a.ID); derr != nil {
			log.Error("allocation compensation failed", zap.String("allocation_id", a.ID), zap.Error(derr))
			err = errors.Join(err, derr)
		}
		if errors.Is(err, hostel.ErrRoomUnavailable) {
			s.metrics.Allocation("rejected")
		} else {
			s.metrics.Allocation("failed")
		}
		return nil, err
	}

	s.metrics.Allocation("created")
	log.Info("room allocated",
		zap.String("allocation_id", a.ID), zap.Time("payment_deadline", a.PaymentDeadline))
	return &a, nil
}

// Revoke removes the student from the room, reopening it, and deletes the
// allocation last.
func (s *Service) Revoke(ctx context.Context, allocationID string) error {
	a, err := s.Get(ctx, allocationID)
	if err != nil {
		return err
	}
	return s.revoke(ctx, a, "explicit")
}

func (s *Service) revoke(ctx context.Context, a *Allocation, reason string, opts ...store.WriteOption) error {
	log := s.logger.With(
		zap.String("allocation_id", a.ID),
		zap.String("student", a.StudentRegNumber),
		zap.String("reason", reason))

	if _, err := s.tree.RemoveOccupant(ctx, a.HostelID, a.RoomID, a.StudentRegNumber); err != nil {
		if !hostel.IsNotFound(err) {
			log.Error("room update failed during revoke", zap.Error(err))
			return err
		}
		log.Warn("allocated room no longer exists", zap.Error(err))
	}

	if err := s.store.Delete(ctx, Collection, a.ID, opts...); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info("allocation already deleted")
			return nil
		}
		log.Error("allocation delete failed", zap.Error(err))
		return fmt.Errorf("delete allocation %s: %w", a.ID, err)
	}
	s.metrics.Revocation(reason)
	log.Info("allocation revoked")
	return nil
}

// RevokeByRooms revokes every allocation in hostelID that points at one of
// roomIDs. It keeps going after a failure and returns every error.
func (s *Service) RevokeByRooms(ctx context.Context, hostelID string, roomIDs []string) []error {
	allocs, err := s.list(ctx, Filter{HostelID: hostelID})
	if err != nil {
		return []error{err}
	}
	removed := make(map[string]bool, len(roomIDs))
	for _, id := range roomIDs {
		removed[id] = true
	}
	var errs []error
	for i := range allocs {
		if !removed[allocs[i].RoomID] {
			continue
		}
		if err := s.revoke(ctx, &allocs[i], "cascade"); err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", allocs[i].ID, err))
		}
	}
	return errs
}

// MarkPaid records an approved payment on the allocation. The write is
// conditional on the version it read, so it cannot interleave with a sweep
// claiming the same allocation; a claimed allocation yields ErrRevoking.
func (s *Service) MarkPaid(ctx context.Context, allocationID, paymentID string) error {
	for attempt := 0; ; attempt++ {
		a, err := s.Get(ctx, allocationID)
		if err != nil {
			return err
		}
		if a.RevokingAt != nil {
			return fmt.Errorf("%s: %w", allocationID, ErrRevoking)
		}
		_, err = s.store.Update(ctx, Collection, allocationID, store.Fields{
			"paymentStatus": StatusPaid,
			"paymentId":     paymentID,
		}, store.IfVersion(a.Version))
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%s: %w", allocationID, ErrNotFound)
		case errors.Is(err, store.ErrVersionConflict) && attempt < maxMarkAttempts:
			continue
		}
		s.logger.Error("mark allocation paid failed",
			zap.String("allocation_id", allocationID), zap.Error(err))
		return fmt.Errorf("mark %s paid: %w", allocationID, err)
	}
	s.logger.Info("allocation paid",
		zap.String("allocation_id", allocationID), zap.String("payment_id", paymentID))
	return nil
}

// Get fetches one allocation.
func (s *Service) Get(ctx context.Context, allocationID string) (*Allocation, error) {
	doc, err := s.store.Get(ctx, Collection, allocationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", allocationID, ErrNotFound)
		}
		return nil, fmt.Errorf("get allocation %s: %w", allocationID, err)
	}
	a, err := decode(doc)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// StudentOf returns the registration number holding allocationID.
func (s *Service) StudentOf(ctx context.Context, allocationID string) (string, error) {
	a, err := s.Get(ctx, allocationID)
	if err != nil {
		return "", err
	}
	return a.StudentRegNumber, nil
}

// ForStudent returns the student's allocation, or nil when there is none or
// the lookup fails.
func (s *Service) ForStudent(ctx context.Context, regNumber string) *Allocation {
	allocs := s.List(ctx, Filter{StudentRegNumber: regNumber})
	if len(allocs) == 0 {
		return nil
	}
	return &allocs[0]
}

// List returns allocations matching f, newest first. Store failures yield an
// empty list.
func (s *Service) List(ctx context.Context, f Filter) []Allocation {
	allocs, err := s.list(ctx, f)
	if err != nil {
		s.logger.Error("allocation list failed", zap.Error(err))
		return []Allocation{}
	}
	return allocs
}

func (s *Service) list(ctx context.Context, f Filter) ([]Allocation, error) {
	docs, err := s.store.List(ctx, Collection, f.query())
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	out := make([]Allocation, 0, len(docs))
	for _, doc := range docs {
		a, err := decode(doc)
		if err != nil {
			s.logger.Warn("skipping allocation record", zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ReserveRoom holds a room for days days on behalf of an admin.
func (s *Service) ReserveRoom(ctx context.Context, roomID, hostelID, adminEmail string, days int) (*hostel.Room, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: reservation must last at least one day", ErrInvalidRequest)
	}
	until := s.now().Add(time.Duration(days) * 24 * time.Hour)
	room, err := s.tree.ReserveRoom(ctx, hostelID, roomID, adminEmail, until)
	if err != nil {
		return nil, err
	}
	s.logger.Info("room reserved",
		zap.String("room_id", roomID), zap.String("by", adminEmail), zap.Time("until", until))
	return room, nil
}

// UnreserveRoom releases an administrative hold.
func (s *Service) UnreserveRoom(ctx context.Context, roomID, hostelID string) (*hostel.Room, error) {
	room, err := s.tree.UnreserveRoom(ctx, hostelID, roomID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("room unreserved", zap.String("room_id", roomID))
	return room, nil
}
