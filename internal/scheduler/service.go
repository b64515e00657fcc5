// Package scheduler owns the mapping from job id to trigger time. It
// persists schedule intent, fires jobs through the dispatcher at trigger
// time, supports cancel/replace, and runs best-effort self-destruct
// deletions after successful deliveries.
//
// One in-process authority holds all armed triggers. A trigger callback
// only enqueues; the firing itself runs on a fixed worker pool so one slow
// dispatch cannot head-of-line-block other jobs' timers.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"chronopost/internal/eventbus"
	"chronopost/internal/store"
	logx "chronopost/pkg/logx"
)

func New(cfg Config, st Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    st,
		disp:     disp,
		bus:      bus,
		now:      time.Now,
		timers:   map[string]*time.Timer{},
		vers:     map[string]uint64{},
		destruct: map[string]*time.Timer{},
	}
}

// Start launches the worker pool, restores persisted jobs, and begins the
// janitor schedules.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan firing, s.cfg.QueueSize)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	if err := s.restore(ctx); err != nil {
		return err
	}

	s.c = cron.New()
	if err := s.registerJanitor(); err != nil {
		s.log.Warn("janitor registration failed", logx.Err(err))
	}
	s.c.Start()

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
	return nil
}

// Stop stops triggering and drains the pool. Pending jobs keep their
// records; their timers re-arm on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}

	start := time.Now()
	close(stopCh)

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.vers = map[string]uint64{}
	s.tmu.Unlock()

	s.dmu.Lock()
	for _, t := range s.destruct {
		_ = t.Stop()
	}
	s.destruct = map[string]*time.Timer{}
	s.dmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop cancelled before workers drained", logx.Err(ctx.Err()))
	}

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// restore re-arms timers for persisted Pending jobs and fails over jobs a
// crash left stuck in Firing. Already-due jobs fire immediately.
func (s *Service) restore(ctx context.Context) error {
	pending, err := s.store.ListJobs(ctx, store.StatePending)
	if err != nil {
		return err
	}
	for _, j := range pending {
		s.armTimer(j.ID, j.TriggerAt)
	}
	if len(pending) > 0 {
		s.log.Info("restored pending jobs", logx.Int("count", len(pending)))
	}

	stuck, err := s.store.ListJobs(ctx, store.StateFiring)
	if err != nil {
		return err
	}
	for _, j := range stuck {
		ok, err := s.store.CASJobState(ctx, j.ID, store.StateFiring, store.StateFailed,
			"firing interrupted by restart")
		if err != nil {
			return err
		}
		if ok {
			s.log.Warn("job failed over after restart", logx.String("job", j.ID))
		}
	}
	return nil
}
