package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"collabdoc/internal/utils"
)

// Autosaver is the part of the session manager the job drives.
type Autosaver interface {
	AutosaveAll(ctx context.Context) int
}

// AutosaveJob periodically issues draft saves for dirty rooms.
type AutosaveJob struct {
	sessions Autosaver
	schedule string
	timeout  time.Duration
	log      *utils.Logger
	cron     *cron.Cron
}

// NewAutosaveJob creates a job for schedule (standard cron syntax or
// descriptors such as "@every 5m"). An empty schedule disables it. Each
// sweep is bounded by timeout.
func NewAutosaveJob(sessions Autosaver, schedule string, timeout time.Duration, log *utils.Logger) *AutosaveJob {
	cl := cronLogger{log}
	return &AutosaveJob{
		sessions: sessions,
		schedule: schedule,
		timeout:  timeout,
		log:      log,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Start schedules the sweep.
func (j *AutosaveJob) Start() error {
	if j.schedule == "" {
		j.log.Info("autosave disabled, skipping scheduler")
		return nil
	}
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule autosave job: %w", err)
	}
	j.cron.Start()
	j.log.Info("autosave scheduler started", "schedule", j.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *AutosaveJob) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("autosave scheduler stopped")
}

// RunOnce performs a single sweep and returns the number of rooms saved.
func (j *AutosaveJob) RunOnce(ctx context.Context) int {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	n := j.sessions.AutosaveAll(ctx)
	if n > 0 {
		j.log.Info("autosave sweep finished", "saved", n, "took", time.Since(start))
	}
	return n
}

// cronLogger routes cron's own logging through the service logger.
type cronLogger struct{ log *utils.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
