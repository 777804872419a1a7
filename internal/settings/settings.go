// Package settings resolves the singleton hostel operational settings document.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostel/internal/store"
)

const (
	Collection = "settings"
	// DocumentID is the well-known id of the hostel operational settings.
	DocumentID = "hostel_settings"
)

// ErrInvalid is returned for out-of-range settings values.
var ErrInvalid = errors.New("invalid settings")

// HostelSettings drives deadline computation and sweep behaviour.
type HostelSettings struct {
	PaymentGracePeriodHours int        `json:"paymentGracePeriodHours"`
	AutoRevokeUnpaid        bool       `json:"autoRevokeUnpaid"`
	DefaultRoomCapacity     int        `json:"defaultRoomCapacity"`
	AllowMixedGender        bool       `json:"allowMixedGender"`
	UpdatedAt               *time.Time `json:"updatedAt,omitempty"`
	UpdatedBy               string     `json:"updatedBy,omitempty"`
}

// GracePeriod is the payment grace period as a duration.
func (s HostelSettings) GracePeriod() time.Duration {
	return time.Duration(s.PaymentGracePeriodHours) * time.Hour
}

// Patch carries the fields an admin wants to change; nil means unchanged.
type Patch struct {
	PaymentGracePeriodHours *int  `json:"paymentGracePeriodHours"`
	AutoRevokeUnpaid        *bool `json:"autoRevokeUnpaid"`
	DefaultRoomCapacity     *int  `json:"defaultRoomCapacity"`
	AllowMixedGender        *bool `json:"allowMixedGender"`
}

func (p Patch) apply(s *HostelSettings) {
	if p.PaymentGracePeriodHours != nil {
		s.PaymentGracePeriodHours = *p.PaymentGracePeriodHours
	}
	if p.AutoRevokeUnpaid != nil {
		s.AutoRevokeUnpaid = *p.AutoRevokeUnpaid
	}
	if p.DefaultRoomCapacity != nil {
		s.DefaultRoomCapacity = *p.DefaultRoomCapacity
	}
	if p.AllowMixedGender != nil {
		s.AllowMixedGender = *p.AllowMixedGender
	}
}

func (p Patch) validate() error {
	if p.PaymentGracePeriodHours != nil && *p.PaymentGracePeriodHours < 0 {
		return fmt.Errorf("%w: grace period must not be negative", ErrInvalid)
	}
	if p.DefaultRoomCapacity != nil && *p.DefaultRoomCapacity < 1 {
		return fmt.Errorf("%w: default room capacity must be at least 1", ErrInvalid)
	}
	return nil
}

// Resolver reads and writes the settings singleton.
type Resolver struct {
	store    store.Store
	defaults HostelSettings
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver that falls back to defaults whenever the
// settings document cannot be read.
func NewResolver(s store.Store, defaults HostelSettings, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		defaults: defaults,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get never fails: a missing document or a store error yields the defaults,
// which are not persisted.
func (r *Resolver) Get(ctx context.Context) HostelSettings {
	doc, err := r.store.Get(ctx, Collection, DocumentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("settings read failed, using defaults", zap.Error(err))
		}
		return r.defaults
	}
	s := r.defaults
	if err := doc.Decode(&s); err != nil {
		r.logger.Warn("settings document undecodable, using defaults", zap.Error(err))
		return r.defaults
	}
	return s
}

// Update upserts the settings document with a fresh updatedAt.
func (r *Resolver) Update(ctx context.Context, p Patch, updatedBy string) (HostelSettings, error) {
	if err := p.validate(); err != nil {
		return HostelSettings{}, err
	}
	now := r.now()

	doc, err := r.store.Get(ctx, Collection, DocumentID)
	switch {
	case err == nil:
		current := r.defaults
		if err := doc.Decode(&current); err != nil {
			r.logger.Warn("overwriting undecodable settings document", zap.Error(err))
			current = r.defaults
		}
		return r.write(ctx, current, p, updatedBy, now, true)
	case errors.Is(err, store.ErrNotFound):
		s, err := r.write(ctx, r.defaults, p, updatedBy, now, false)
		if errors.Is(err, store.ErrConflict) {
			// Another admin created it first.
			return r.Update(ctx, p, updatedBy)
		}
		return s, err
	default:
		r.logger.Error("settings update failed", zap.Error(err))
		return HostelSettings{}, fmt.Errorf("read settings: %w", err)
	}
}

func (r *Resolver) write(ctx context.Context, base HostelSettings, p Patch, updatedBy string, now time.Time, exists bool) (HostelSettings, error) {
	s := base
	p.apply(&s)
	s.UpdatedAt = &now
	s.UpdatedBy = updatedBy

	fields, err := store.FieldsOf(s)
	if err != nil {
		return HostelSettings{}, err
	}
	if exists {
		_, err = r.store.Update(ctx, Collection, DocumentID, fields)
	} else {
		_, err = r.store.Create(ctx, Collection, DocumentID, fields)
	}
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			r.logger.Error("settings write failed", zap.Error(err))
		}
		return HostelSettings{}, fmt.Errorf("write settings: %w", err)
	}
	r.logger.Info("settings updated",
		zap.String("updated_by", updatedBy),
		zap.Int("grace_hours", s.PaymentGracePeriodHours),
		zap.Bool("auto_revoke", s.AutoRevokeUnpaid))
	return s, nil
}
