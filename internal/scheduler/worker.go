package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"chronopost/internal/eventbus"
	"chronopost/internal/store"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()
	if stopCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case f := <-queue:
			s.fire(ctx, f.jobID)
		}
	}
}

// fire moves one job Pending→Firing→(Delivered|Failed).
//
// The Pending→Firing compare-and-set is the single gate deciding races with
// Cancel and with duplicate triggers: whoever loses it walks away. A firing
// is never silently dropped. Every path out of here either removes the
// record (delivered) or retains it with a reason (failed).
func (s *Service) fire(ctx context.Context, jobID string) {
	ok, err := s.store.CASJobState(ctx, jobID, store.StatePending, store.StateFiring, "")
	if err != nil {
		s.log.Error("firing transition failed", logx.String("job", jobID), logx.Err(err))
		return
	}
	if !ok {
		// Cancelled or already claimed; nothing to do.
		s.log.Debug("trigger for non-pending job ignored", logx.String("job", jobID))
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.fail(ctx, jobID, "", fmt.Sprintf("job record unreadable: %v", err))
		return
	}
	s.publish(eventbus.JobFired, jobID, job.Channel, "")
	s.log.Info("job firing", logx.String("job", jobID), logx.String("channel", string(job.Channel)))

	item, err := s.store.GetContent(ctx, job.ContentID)
	if err != nil {
		s.fail(ctx, jobID, job.Channel, fmt.Sprintf("content %s unreadable: %v", job.ContentID, err))
		return
	}

	handle, err := s.deliver(ctx, item, job.Channel)
	if err != nil {
		s.fail(ctx, jobID, job.Channel, err.Error())
		return
	}

	if _, err := s.store.CASJobState(ctx, jobID, store.StateFiring, store.StateDelivered, ""); err != nil {
		s.log.Error("delivered transition failed", logx.String("job", jobID), logx.Err(err))
	}
	// Delivered is terminal: the record goes away.
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		s.log.Warn("delivered job record not removed", logx.String("job", jobID), logx.Err(err))
	}
	s.publish(eventbus.JobDelivered, jobID, job.Channel, "")
	s.log.Info("job delivered",
		logx.String("job", jobID), logx.Int("message_id", handle.MessageID))

	if job.DestructAfter > 0 {
		s.scheduleDestruct(handle, job.DestructAfter)
	}
}

// deliver invokes the dispatcher with the configured firing timeout and
// converts panics into errors so one bad firing cannot take down a worker.
func (s *Service) deliver(ctx context.Context, item store.ContentItem, to transport.Target) (h transport.MessageHandle, err error) {
	runCtx := ctx
	if s.cfg.FireTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.FireTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
			s.log.Error("dispatch panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.disp.Deliver(runCtx, item, to)
}

func (s *Service) fail(ctx context.Context, jobID string, channel transport.Target, reason string) {
	ok, err := s.store.CASJobState(ctx, jobID, store.StateFiring, store.StateFailed, reason)
	if err != nil {
		s.log.Error("failed transition errored", logx.String("job", jobID), logx.Err(err))
		return
	}
	if !ok {
		s.log.Warn("job left firing state unexpectedly", logx.String("job", jobID))
		return
	}
	s.publish(eventbus.JobFailed, jobID, channel, reason)
	s.log.Warn("job failed", logx.String("job", jobID), logx.String("reason", reason))
}

// scheduleDestruct arms a best-effort deletion of the delivered message.
// Destruct jobs are independent of the (now removed) ScheduledJob record,
// are not persisted, and their failure never affects delivery state.
func (s *Service) scheduleDestruct(h transport.MessageHandle, after time.Duration) {
	s.dmu.Lock()
	key := strconv.FormatUint(atomic.AddUint64(&s.dseq, 1), 10)
	s.destruct[key] = time.AfterFunc(after, func() {
		s.dmu.Lock()
		delete(s.destruct, key)
		s.dmu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.disp.DeleteMessage(ctx, h); err != nil {
			s.log.Warn("destruct failed",
				logx.String("channel", string(h.Channel)),
				logx.Int("message_id", h.MessageID), logx.Err(err))
			return
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.DestructDone, Data: eventbus.JobEvent{
				Channel: string(h.Channel),
			}})
		}
		s.log.Info("message destructed",
			logx.String("channel", string(h.Channel)), logx.Int("message_id", h.MessageID))
	})
	s.dmu.Unlock()

	s.log.Info("destruct scheduled",
		logx.String("channel", string(h.Channel)),
		logx.Int("message_id", h.MessageID), logx.Duration("after", after))
}
