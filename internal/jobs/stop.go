package jobs

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/lock"
)

// Pause reasons recorded as a job's last error.
const (
	// EmergencyStopReason marks every job paused by EmergencyStop.
	EmergencyStopReason = "emergency stop"
	// ExhaustedReason prefixes the last error of a job paused because the
	// model gateway reported resource exhaustion.
	ExhaustedReason = "resource exhausted"
)

// JobPauser pauses every running job.
type JobPauser interface {
	PauseRunningJobs(ctx context.Context, reason string) (int, error)
}

// StopReport summarizes an emergency stop.
type StopReport struct {
	JobsPaused    int `json:"jobs_paused" yaml:"jobs_paused"`
	LocksReleased int `json:"locks_released" yaml:"locks_released"`
}

// EmergencyStop pauses all running jobs and releases every enrichment lock.
// Prospect statuses are left as they are; prospects stranded in enriching
// are repaired by the next reconcile sweep. Safe to call repeatedly.
func EmergencyStop(ctx context.Context, s JobPauser, l lock.Locker) (*StopReport, error) {
	rep := &StopReport{}
	n, err := s.PauseRunningJobs(ctx, EmergencyStopReason)
	if err != nil {
		return rep, eris.Wrap(err, "jobs: emergency stop: pause jobs")
	}
	rep.JobsPaused = n

	released, err := l.ReleaseAll(ctx)
	if err != nil {
		return rep, eris.Wrap(err, "jobs: emergency stop: release locks")
	}
	rep.LocksReleased = released

	zap.L().Warn("jobs: emergency stop",
		zap.Int("jobs_paused", rep.JobsPaused),
		zap.Int("locks_released", rep.LocksReleased),
	)
	return rep, nil
}
