package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chronopost/internal/eventbus"
	"chronopost/internal/store"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

// Config controls the scheduling authority.
type Config struct {
	// Workers is the size of the firing pool. Trigger bookkeeping never
	// blocks on dispatch; firings run here.
	Workers   int
	QueueSize int

	// FireTimeout bounds one firing end to end (dispatch, fallback hops,
	// thumbnail substitution included). 0 means no bound.
	FireTimeout time.Duration

	// FailedRetention is how long Failed records stay visible before the
	// janitor prunes them.
	FailedRetention time.Duration

	// JanitorSpec is the cron spec for recurring maintenance.
	JanitorSpec string

	// StagingDir and StagingMaxAge drive the orphaned-temp-file sweep.
	StagingDir    string
	StagingMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	if c.JanitorSpec == "" {
		c.JanitorSpec = "@every 1h"
	}
	if c.StagingMaxAge <= 0 {
		c.StagingMaxAge = 6 * time.Hour
	}
	return c
}

// Store is the persistence the scheduler needs. *store.DB satisfies it.
type Store interface {
	PutJob(ctx context.Context, j store.ScheduledJob) error
	GetJob(ctx context.Context, id string) (store.ScheduledJob, error)
	CASJobState(ctx context.Context, id string, from, to store.JobState, reason string) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, state store.JobState) ([]store.ScheduledJob, error)
	PruneFailed(ctx context.Context, cutoff time.Time) (int64, error)
	GetContent(ctx context.Context, id string) (store.ContentItem, error)
}

// Dispatcher performs the delivery when a job fires and removes delivered
// messages for destruct jobs.
type Dispatcher interface {
	Deliver(ctx context.Context, item store.ContentItem, to transport.Target) (transport.MessageHandle, error)
	DeleteMessage(ctx context.Context, h transport.MessageHandle) error
}

// firing is one unit of work handed to the pool.
type firing struct {
	jobID string
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	store Store
	disp  Dispatcher
	bus   eventbus.Bus

	// now is the clock; swapped in tests.
	now func() time.Time

	queue  chan firing
	stopCh chan struct{}
	wg     sync.WaitGroup

	// One-shot triggers. Versions guard against stale timer callbacks after
	// a cancel/replace raced the firing.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	vers   map[string]uint64

	// Destruct timers, tracked only so Stop can drop them.
	dmu      sync.Mutex
	destruct map[string]*time.Timer
	dseq     uint64

	c *cron.Cron // janitor schedules
}
