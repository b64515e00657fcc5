package scheduler

import (
	"context"
	"time"

	"chronopost/internal/rehydrate"
	logx "chronopost/pkg/logx"
)

// registerJanitor adds the recurring maintenance schedules: pruning old
// Failed records and sweeping staging files orphaned by a crash.
func (s *Service) registerJanitor() error {
	_, err := s.c.AddFunc(s.cfg.JanitorSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		cutoff := s.now().Add(-s.cfg.FailedRetention)
		if n, err := s.store.PruneFailed(ctx, cutoff); err != nil {
			s.log.Warn("failed-record prune errored", logx.Err(err))
		} else if n > 0 {
			s.log.Info("pruned failed records", logx.Int64("count", n))
		}

		if s.cfg.StagingDir != "" {
			if n, err := rehydrate.Sweep(s.cfg.StagingDir, s.cfg.StagingMaxAge); err != nil {
				s.log.Warn("staging sweep errored", logx.Err(err))
			} else if n > 0 {
				s.log.Info("swept orphaned staging files", logx.Int("count", n))
			}
		}
	})
	return err
}
