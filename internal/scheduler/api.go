package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chronopost/internal/errkind"
	"chronopost/internal/eventbus"
	"chronopost/internal/store"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

// Request describes one scheduling intent.
type Request struct {
	ContentID string
	Channel   transport.Target

	// LocalTime is the user's wall-clock intent; only its civil fields
	// matter, interpreted in Timezone.
	LocalTime time.Time

	// Timezone is an IANA zone name, e.g. "Europe/Paris".
	Timezone string

	// DestructAfter > 0 deletes the delivered message after this duration.
	DestructAfter time.Duration
}

// Schedule converts the local wall-clock intent to UTC, rejects times not
// strictly in the future, persists the job in Pending state and arms its
// trigger. Returns the new job id.
func (s *Service) Schedule(ctx context.Context, req Request) (string, error) {
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q: %w", req.Timezone, err)
	}
	lt := req.LocalTime
	triggerAt := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), lt.Second(), 0, loc).UTC()

	if !triggerAt.After(s.now()) {
		return "", errkind.Newf(errkind.PastTime,
			"%s in %s is not in the future", lt.Format("2006-01-02 15:04:05"), req.Timezone)
	}

	job := store.ScheduledJob{
		ID:            uuid.NewString(),
		ContentID:     req.ContentID,
		Channel:       req.Channel,
		TriggerAt:     triggerAt,
		Timezone:      req.Timezone,
		State:         store.StatePending,
		DestructAfter: req.DestructAfter,
	}
	if err := s.store.PutJob(ctx, job); err != nil {
		return "", err
	}
	s.armTimer(job.ID, job.TriggerAt)

	s.publish(eventbus.JobScheduled, job.ID, job.Channel, "")
	s.log.Info("job scheduled",
		logx.String("job", job.ID), logx.String("channel", string(job.Channel)),
		logx.Time("trigger_at", job.TriggerAt), logx.String("tz", job.Timezone))
	return job.ID, nil
}

// Cancel removes a Pending job: record and armed trigger both go away, and
// the job is guaranteed not to fire afterwards. A job that has already
// started firing (or does not exist) reports NotFound; the in-flight
// dispatch is not aborted.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	ok, err := s.store.CASJobState(ctx, jobID, store.StatePending, store.StateCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Newf(errkind.NotFound, "job %s", jobID)
	}

	s.disarmTimer(jobID)

	// Cancelled is terminal: the record is removed, matching Delivered.
	if err := s.store.DeleteJob(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.publish(eventbus.JobCancelled, jobID, "", "")
	s.log.Info("job cancelled", logx.String("job", jobID))
	return nil
}

// Replace cancels jobID and schedules the same content/channel/destruct at
// a new local time, returning the new job id. Callers must switch any
// external references to the returned id.
func (s *Service) Replace(ctx context.Context, jobID string, newLocalTime time.Time, timezone string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errkind.Newf(errkind.NotFound, "job %s", jobID)
		}
		return "", err
	}
	if err := s.Cancel(ctx, jobID); err != nil {
		return "", err
	}
	return s.Schedule(ctx, Request{
		ContentID:     job.ContentID,
		Channel:       job.Channel,
		LocalTime:     newLocalTime,
		Timezone:      timezone,
		DestructAfter: job.DestructAfter,
	})
}

// ListFailed exposes retained Failed records for operator inspection.
func (s *Service) ListFailed(ctx context.Context) ([]store.ScheduledJob, error) {
	return s.store.ListJobs(ctx, store.StateFailed)
}

// ListPending exposes jobs that have not run yet.
func (s *Service) ListPending(ctx context.Context) ([]store.ScheduledJob, error) {
	return s.store.ListJobs(ctx, store.StatePending)
}

// armTimer arms (or re-arms) the one-shot trigger for a job. The version
// bump makes any previously scheduled callback for the same id a no-op.
func (s *Service) armTimer(jobID string, at time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
	}
	s.vers[jobID]++
	ver := s.vers[jobID]

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.onTrigger(jobID, ver)
	})
}

func (s *Service) disarmTimer(jobID string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
	}
	// Bump so a callback that already left AfterFunc's timer goroutine
	// sees itself stale.
	s.vers[jobID]++
}

// onTrigger runs on the timer goroutine; it only validates freshness and
// enqueues, so trigger bookkeeping never waits on dispatch.
func (s *Service) onTrigger(jobID string, ver uint64) {
	s.tmu.Lock()
	if s.vers[jobID] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, jobID)
	delete(s.vers, jobID)
	s.tmu.Unlock()

	s.mu.Lock()
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()
	if stopCh == nil {
		return
	}

	// Block rather than drop: a full queue must delay a firing, never lose
	// it. Shutdown releases us.
	select {
	case queue <- firing{jobID: jobID}:
	case <-stopCh:
	}
}

func (s *Service) publish(typ, jobID string, channel transport.Target, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{
		JobID:   jobID,
		Channel: string(channel),
		Reason:  reason,
	}})
}
