// Package sweep runs the payment-deadline check, either on a schedule or when
// triggered over HTTP.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"hostel/internal/allocation"
	"hostel/internal/metrics"
)

// Checker is the allocation side of a sweep.
type Checker interface {
	CheckAndUpdateOverdue(ctx context.Context, policy allocation.RevokePolicy) (allocation.SweepResult, error)
	PendingStatus(ctx context.Context) (allocation.PendingSummary, error)
}

// Result is what a sweep reports back to its caller.
type Result struct {
	Message      string    `json:"message"`
	TotalScanned int       `json:"totalScanned"`
	TotalExpired int       `json:"totalExpired"`
	RevokedCount int       `json:"revokedCount"`
	Failures     int       `json:"failures,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Job wraps a Checker with logging and metrics.
type Job struct {
	checker Checker
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewJob creates a sweep job. m may be nil.
func NewJob(c Checker, logger *zap.Logger, m *metrics.Recorder) *Job {
	return &Job{
		checker: c,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sweep under policy. The Result always carries a message,
// including when the sweep failed.
func (j *Job) Run(ctx context.Context, policy allocation.RevokePolicy) (Result, error) {
	start := j.now()
	res, err := j.checker.CheckAndUpdateOverdue(ctx, policy)
	out := Result{
		TotalScanned: res.Scanned,
		TotalExpired: res.Expired,
		RevokedCount: res.Revoked,
		Failures:     len(res.Errors),
		Timestamp:    j.now(),
	}
	if err != nil {
		out.Message = fmt.Sprintf("Deadline check failed: %v", err)
		j.logger.Error("deadline sweep failed", zap.String("policy", string(policy)), zap.Error(err))
		return out, err
	}
	j.metrics.Sweep(string(policy), res.Expired, res.Revoked, out.Timestamp.Sub(start))

	switch {
	case res.Expired == 0 && res.Revoked == 0:
		out.Message = "No overdue allocations found"
	default:
		out.Message = fmt.Sprintf("Processed %d expired allocations, revoked %d", res.Expired, res.Revoked)
	}
	for _, e := range res.Errors {
		j.logger.Warn("deadline sweep item failed", zap.Error(e))
	}
	return out, nil
}

// Status reports unpaid and expired counts without changing anything.
func (j *Job) Status(ctx context.Context) (allocation.PendingSummary, error) {
	return j.checker.PendingStatus(ctx)
}

// Schedule registers the job on s to run every interval. Runs never overlap:
// a run still in progress when the next is due causes that one to be skipped.
func Schedule(ctx context.Context, s gocron.Scheduler, j *Job, every time.Duration, policy allocation.RevokePolicy, opts ...gocron.JobOption) (gocron.Job, error) {
	opts = append([]gocron.JobOption{
		gocron.WithName("deadline-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}, opts...)
	return s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			// Run logs its own failures.
			_, _ = j.Run(ctx, policy)
		}),
		opts...,
	)
}
