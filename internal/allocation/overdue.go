package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostel/internal/store"
)

// RevokePolicy decides which overdue allocations a sweep revokes when
// auto-revoke is on.
type RevokePolicy string

const (
	// RevokeNewlyOverdue revokes only the allocations the sweep itself just
	// marked overdue. The stored deadline already includes the grace period.
	RevokeNewlyOverdue RevokePolicy = "newly_overdue"
	// RevokeOverdueBacklog also revokes allocations that were already overdue
	// once a second grace period has passed after their deadline.
	RevokeOverdueBacklog RevokePolicy = "overdue_backlog"
)

// ParsePolicy maps a configuration value to a policy.
func ParsePolicy(v string) (RevokePolicy, error) {
	switch p := RevokePolicy(v); p {
	case RevokeNewlyOverdue, RevokeOverdueBacklog:
		return p, nil
	}
	return "", fmt.Errorf("unknown revoke policy %q", v)
}

// SweepResult summarises one overdue check.
type SweepResult struct {
	Scanned int
	Expired int
	Revoked int
	Errors  []error
}

// CheckAndUpdateOverdue marks Pending allocations past their deadline as
// Overdue and, when settings allow, revokes them. Running it again with no
// newly expired allocations changes nothing.
func (s *Service) CheckAndUpdateOverdue(ctx context.Context, policy RevokePolicy) (SweepResult, error) {
	var res SweepResult
	docs, err := s.store.List(ctx, Collection, store.Query{OrderBy: store.OrderCreatedAt})
	if err != nil {
		s.logger.Error("overdue sweep list failed", zap.Error(err))
		return res, fmt.Errorf("list allocations: %w", err)
	}
	now := s.now()
	res.Scanned = len(docs)

	var expired, backlog, interrupted []Allocation
	for _, doc := range docs {
		a, err := decode(doc)
		if err != nil {
			s.logger.Warn("skipping allocation record", zap.Error(err))
			continue
		}
		switch {
		case a.PaymentStatus == StatusPending && a.PastDeadline(now):
			updated, err := s.store.Update(ctx, Collection, a.ID,
				store.Fields{"paymentStatus": StatusOverdue}, store.IfVersion(a.Version))
			if err != nil {
				if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
					// Paid or revoked while the sweep was running.
					continue
				}
				s.logger.Error("mark overdue failed", zap.String("allocation_id", a.ID), zap.Error(err))
				res.Errors = append(res.Errors, fmt.Errorf("mark %s overdue: %w", a.ID, err))
				continue
			}
			a.PaymentStatus = StatusOverdue
			a.Version = updated.Version
			expired = append(expired, a)
		case a.PaymentStatus == StatusOverdue && a.RevokingAt != nil:
			interrupted = append(interrupted, a)
		case a.PaymentStatus == StatusOverdue:
			backlog = append(backlog, a)
		}
	}
	res.Expired = len(expired)

	cfg := s.settings.Get(ctx)
	if !cfg.AutoRevokeUnpaid {
		s.logger.Info("overdue sweep finished without revocation",
			zap.Int("scanned", res.Scanned), zap.Int("expired", res.Expired))
		return res, nil
	}

	// A claimed allocation whose revocation did not finish is always completed.
	revoke := append(expired, interrupted...)
	if policy == RevokeOverdueBacklog {
		grace := cfg.GracePeriod()
		for _, a := range backlog {
			if now.After(a.PaymentDeadline.Add(grace)) {
				revoke = append(revoke, a)
			}
		}
	}
	for i := range revoke {
		done, err := s.revokeOverdue(ctx, &revoke[i])
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("revoke %s: %w", revoke[i].ID, err))
			continue
		}
		if done {
			res.Revoked++
		}
	}

	s.logger.Info("overdue sweep finished",
		zap.String("policy", string(policy)),
		zap.Int("scanned", res.Scanned),
		zap.Int("expired", res.Expired),
		zap.Int("revoked", res.Revoked),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// revokeOverdue claims a at the version the sweep saw, then revokes it. It
// reports false when the allocation changed in the meantime, which is how an
// approval that lands during the sweep wins.
func (s *Service) revokeOverdue(ctx context.Context, a *Allocation) (bool, error) {
	claimed, err := s.store.Update(ctx, Collection, a.ID,
		store.Fields{"revokingAt": s.now()}, store.IfVersion(a.Version))
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			s.logger.Info("allocation changed during sweep, not revoking", zap.String("allocation_id", a.ID))
			return false, nil
		}
		return false, fmt.Errorf("claim: %w", err)
	}
	a.Version = claimed.Version
	if err := s.revoke(ctx, a, "overdue", store.IfVersion(claimed.Version)); err != nil {
		return false, err
	}
	return true, nil
}

// PendingSummary counts unpaid allocations without changing anything.
type PendingSummary struct {
	Pending   int       `json:"pending"`
	Expired   int       `json:"expired"`
	Overdue   int       `json:"overdue"`
	CheckedAt time.Time `json:"checkedAt"`
}

// PendingStatus reports how many allocations are unpaid, how many of those
// are past their deadline, and how many are already overdue.
func (s *Service) PendingStatus(ctx context.Context) (PendingSummary, error) {
	now := s.now()
	sum := PendingSummary{CheckedAt: now}
	allocs, err := s.list(ctx, Filter{})
	if err != nil {
		return sum, err
	}
	for _, a := range allocs {
		switch a.PaymentStatus {
		case StatusPending:
			sum.Pending++
			if a.PastDeadline(now) {
				sum.Expired++
			}
		case StatusOverdue:
			sum.Overdue++
		}
	}
	return sum, nil
}
