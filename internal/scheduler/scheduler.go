// Package scheduler executes at/every/cron jobs against the agent runtime
// with DB-level claims so at most one instance runs a job at a time.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/joilabs/joi-gateway/internal/store"
)

const (
	// minWake bounds how often the loop polls even with a near deadline.
	minWake = time.Second
	// maxSleep bounds how long the loop sleeps with no deadline in sight.
	maxSleep = time.Minute
	// defaultJobTimeout caps a run when the job sets none.
	defaultJobTimeout = 5 * time.Minute
	// abandonedAfter marks running_at older than this as a crashed run.
	abandonedAfter = 10 * time.Minute
)

// TurnRunner executes an agent_turn payload. The agent runtime implements
// this.
type TurnRunner interface {
	RunScheduledTurn(ctx context.Context, job *store.CronJob) error
}

// SystemHandler executes a system_event payload, registered by name.
type SystemHandler func(ctx context.Context, job *store.CronJob) error

// Scheduler is the background job loop.
type Scheduler struct {
	cron     store.CronStore
	runner   TurnRunner
	logger   *slog.Logger
	handlers map[string]SystemHandler

	wake chan struct{}
	done chan struct{}
}

func New(cron store.CronStore, runner TurnRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron,
		runner:   runner,
		logger:   logger,
		handlers: make(map[string]SystemHandler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// RegisterSystemHandler binds a system_event payload name to its handler.
// Registration happens at wiring time.
func (s *Scheduler) RegisterSystemHandler(name string, h SystemHandler) {
	s.handlers[name] = h
}

// Notify wakes the loop early, e.g. after a job create or update.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start recovers abandoned runs and launches the loop.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.cron.RecoverAbandoned(ctx, abandonedAfter); err != nil {
		s.logger.Error("cron recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered abandoned cron runs", "count", n)
	}
	go s.loop(ctx)
}

// Stop terminates the loop. In-flight runs finish on their own contexts.
func (s *Scheduler) Stop() {
	close(s.done)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.dispatchDue(ctx)

		sleep := s.nextSleep(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextSleep(ctx context.Context) time.Duration {
	deadline, err := s.cron.NextDeadline(ctx)
	if err != nil {
		s.logger.Warn("cron deadline lookup failed", "error", err)
		return maxSleep
	}
	if deadline == nil {
		return maxSleep
	}
	sleep := time.Until(*deadline)
	if sleep < minWake {
		return minWake
	}
	if sleep > maxSleep {
		return maxSleep
	}
	return sleep
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()
	due, err := s.cron.Due(ctx, now)
	if err != nil {
		s.logger.Warn("cron due lookup failed", "error", err)
		return
	}

	for i := range due {
		job := due[i]
		claimed, err := s.cron.Claim(ctx, job.ID, now)
		if err != nil {
			s.logger.Warn("cron claim failed", "job", job.Name, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		go s.run(ctx, &job)
	}
}

func (s *Scheduler) run(ctx context.Context, job *store.CronJob) {
	timeout := defaultJobTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("cron run started", "job", job.Name, "kind", job.PayloadKind)

	err := s.execute(runCtx, job)

	finished := time.Now()
	duration := finished.Sub(started)

	status := "ok"
	errText := ""
	if err != nil {
		status = "error"
		errText = err.Error()
		s.logger.Error("cron run failed", "job", job.Name, "duration", duration, "error", err)
	} else {
		s.logger.Info("cron run finished", "job", job.Name, "duration", duration)
	}

	fin := store.CronFinish{
		Status:     status,
		Error:      errText,
		DurationMS: duration.Milliseconds(),
	}
	s.applySchedule(job, finished, &fin)

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	if err := s.cron.Finish(finishCtx, job.ID, fin); err != nil {
		s.logger.Error("cron finish persist failed", "job", job.Name, "error", err)
	}
	if !fin.Delete {
		run := &store.CronJobRun{
			JobID:      job.ID,
			StartedAt:  started,
			FinishedAt: finished,
			Status:     status,
			Error:      errText,
			DurationMS: duration.Milliseconds(),
		}
		if err := s.cron.InsertRun(finishCtx, run); err != nil {
			s.logger.Warn("cron run audit insert failed", "job", job.Name, "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *store.CronJob) error {
	switch job.PayloadKind {
	case store.PayloadAgentTurn:
		return s.runner.RunScheduledTurn(ctx, job)
	case store.PayloadSystemEvent:
		h, ok := s.handlers[job.PayloadText]
		if !ok {
			return &UnknownEventError{Event: job.PayloadText}
		}
		return h(ctx, job)
	}
	return &UnknownEventError{Event: job.PayloadKind}
}

// applySchedule recomputes next_run_at per schedule kind. One-shot jobs
// disable themselves, or delete when delete_after_run is set.
func (s *Scheduler) applySchedule(job *store.CronJob, after time.Time, fin *store.CronFinish) {
	switch job.ScheduleKind {
	case store.ScheduleAt:
		if job.DeleteAfterRun {
			fin.Delete = true
		} else {
			fin.Disable = true
		}

	case store.ScheduleEvery:
		next := after.Add(time.Duration(job.EveryMS) * time.Millisecond)
		fin.NextRunAt = &next

	case store.ScheduleCron:
		ref := after
		if job.Timezone != "" {
			if loc, err := time.LoadLocation(job.Timezone); err == nil {
				ref = after.In(loc)
			} else {
				s.logger.Warn("cron timezone invalid, using local", "job", job.Name, "tz", job.Timezone)
			}
		}
		next, err := gronx.NextTickAfter(job.CronExpr, ref, false)
		if err != nil {
			s.logger.Error("cron expression evaluation failed, disabling job", "job", job.Name, "expr", job.CronExpr, "error", err)
			fin.Disable = true
			return
		}
		fin.NextRunAt = &next
	}
}

// UnknownEventError marks a job whose payload no handler serves.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return "scheduler: no handler for event " + e.Event
}

// NextRunAt computes the first next_run_at for a newly created or updated
// job. Used by job CRUD before handing the row to the store.
func NextRunAt(job *store.CronJob, now time.Time) *time.Time {
	switch job.ScheduleKind {
	case store.ScheduleAt:
		return job.ScheduleAt
	case store.ScheduleEvery:
		next := now.Add(time.Duration(job.EveryMS) * time.Millisecond)
		return &next
	case store.ScheduleCron:
		ref := now
		if job.Timezone != "" {
			if loc, err := time.LoadLocation(job.Timezone); err == nil {
				ref = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(job.CronExpr, ref, false)
		if err != nil {
			return nil
		}
		return &next
	}
	return nil
}

// ValidSpec checks a cron expression.
func ValidSpec(expr string) bool {
	return gronx.New().IsValid(expr)
}
