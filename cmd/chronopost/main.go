package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronopost/internal/config"
	"chronopost/internal/dispatch"
	"chronopost/internal/eventbus"
	"chronopost/internal/metrics"
	"chronopost/internal/rehydrate"
	"chronopost/internal/scheduler"
	"chronopost/internal/store"
	"chronopost/internal/thumbnail"
	"chronopost/internal/transport"
	"chronopost/internal/transport/botapi"
	logx "chronopost/pkg/logx"
)

const shutdownGrace = 15 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, (*config.Config).Validate)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	db, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	stagingDir := strings.TrimSpace(cfg.Scheduler.StagingDir)
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "chronopost")
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	backends := make([]transport.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b, err := botapi.New(botapi.Config{
			Name:           bc.Name,
			Token:          bc.Token,
			APIURL:         bc.APIURL,
			MaxInlineSize:  bc.MaxInlineSize,
			SupportsUpload: bc.SupportsUpload,
			RatePerSec:     bc.RatePerSec,
		}, log.With(logx.String("backend", bc.Name)))
		if err != nil {
			return fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		backends = append(backends, b)
	}
	reg := transport.NewRegistry(backends...)

	// A backend that fails its probe stays registered but unusable; it can
	// be flipped back once the endpoint recovers.
	for _, b := range backends {
		pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
		err := b.(*botapi.Backend).Probe(pctx)
		pcancel()
		if err != nil {
			log.Warn("backend probe failed", logx.String("backend", b.Name()), logx.Err(err))
			reg.SetUsable(b.Name(), false)
		}
	}

	bus := eventbus.New()
	hydrator := rehydrate.New(reg, stagingDir, log.With(logx.String("comp", "rehydrate")))
	thumbs := thumbnail.New(reg, hydrator, db, stagingDir, log.With(logx.String("comp", "thumbnail")))

	disp := dispatch.New(dispatch.Config{
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     cfg.Dispatch.RetryBaseDuration(),
		RetryMaxDelay: cfg.Dispatch.RetryMaxDelayDuration(),
		RetryJitter:   cfg.Dispatch.RetryJitter,
	}, reg, hydrator, thumbs, bus, log.With(logx.String("comp", "dispatch")))

	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		FireTimeout:     cfg.Scheduler.FireTimeoutDuration(),
		FailedRetention: cfg.Scheduler.FailedRetentionDuration(),
		JanitorSpec:     cfg.Scheduler.JanitorSpec,
		StagingDir:      stagingDir,
		StagingMaxAge:   cfg.Scheduler.StagingMaxAgeDuration(),
	}, db, disp, bus, log.With(logx.String("comp", "scheduler")))

	var (
		collector *metrics.Collector
		msrv      *metrics.Server
	)
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		collector = metrics.NewCollector(bus, log.With(logx.String("comp", "metrics")))
		addr := strings.TrimSpace(cfg.Metrics.Addr)
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		msrv = metrics.NewServer(addr, log.With(logx.String("comp", "metrics")))
		msrv.Start()
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Hot reload: logging and dispatch retry knobs apply in place; storage
	// and backend changes need a restart and are only reported.
	updates := mgr.Updates()
	go func() {
		prev := cfg
		for next := range updates {
			changed, attrs := config.SummarizeConfigChange(prev, next)
			log.Info("config reloaded",
				append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File: logx.FileConfig{
					Enabled: next.Logging.File.Enabled,
					Path:    next.Logging.File.Path,
				},
			})
			disp.Apply(dispatch.Config{
				RetryMax:      next.Dispatch.RetryMax,
				RetryBase:     next.Dispatch.RetryBaseDuration(),
				RetryMaxDelay: next.Dispatch.RetryMaxDelayDuration(),
				RetryJitter:   next.Dispatch.RetryJitter,
			})
			prev = next
		}
	}()
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("chronopost started",
		logx.Int("backends", len(backends)),
		logx.String("staging_dir", stagingDir),
	)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	sched.Stop(stopCtx)
	if msrv != nil {
		_ = msrv.Stop(stopCtx)
	}
	if collector != nil {
		collector.Close()
	}
	log.Info("chronopost stopped")
	return nil
}
