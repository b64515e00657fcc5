// Package metrics exposes Prometheus counters for the delivery engine.
//
// The collector subscribes to the event bus rather than being called from
// the hot path; the scheduler and dispatcher publish events and never see
// Prometheus types.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronopost/internal/eventbus"
	logx "chronopost/pkg/logx"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronopost_jobs_total",
		Help: "Scheduled-job lifecycle transitions.",
	}, []string{"event"}) // scheduled, fired, delivered, failed, cancelled

	dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronopost_dispatch_attempts_total",
		Help: "Per-backend dispatch attempts by outcome.",
	}, []string{"backend", "outcome"}) // outcome: ok or an error kind

	destructsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronopost_destructs_total",
		Help: "Completed best-effort message destructions.",
	})
)

// Collector drains the bus into Prometheus counters.
type Collector struct {
	log   logx.Logger
	unsub func()
	done  chan struct{}
}

func NewCollector(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256)
	c := &Collector{log: log, unsub: unsub, done: make(chan struct{})}
	go c.run(ch)
	return c
}

func (c *Collector) run(ch <-chan eventbus.Event) {
	defer close(c.done)
	for e := range ch {
		switch e.Type {
		case eventbus.JobScheduled:
			jobsTotal.WithLabelValues("scheduled").Inc()
		case eventbus.JobFired:
			jobsTotal.WithLabelValues("fired").Inc()
		case eventbus.JobDelivered:
			jobsTotal.WithLabelValues("delivered").Inc()
		case eventbus.JobFailed:
			jobsTotal.WithLabelValues("failed").Inc()
		case eventbus.JobCancelled:
			jobsTotal.WithLabelValues("cancelled").Inc()
		case eventbus.DestructDone:
			destructsTotal.Inc()
		case eventbus.DispatchAttempt:
			a, ok := e.Data.(eventbus.AttemptEvent)
			if !ok {
				continue
			}
			outcome := "ok"
			if !a.OK {
				outcome = a.Kind
			}
			dispatchAttempts.WithLabelValues(a.Backend, outcome).Inc()
		}
	}
}

// Close unsubscribes and waits for the drain goroutine.
func (c *Collector) Close() {
	c.unsub()
	<-c.done
}

// Server exposes /metrics.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

func (s *Server) Start() {
	go func() {
		s.log.Info("metrics listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
