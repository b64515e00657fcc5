// Package dispatch performs an immediate, backend-selecting delivery of one
// content item.
//
// Selection walks the registry's preference order. A backend whose declared
// size limit is already exceeded is never attempted; TooLarge and
// ReferenceExpired fall back to the next capable backend within the same
// call; TransientNetwork gets a small bounded retry with backoff; everything
// else propagates immediately.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"chronopost/internal/errkind"
	"chronopost/internal/eventbus"
	"chronopost/internal/rehydrate"
	"chronopost/internal/store"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

type Config struct {
	// RetryMax bounds extra attempts per backend on TransientNetwork.
	RetryMax int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Substituter runs the pending thumbnail pipeline for an item whose custom
// thumbnail has not been baked into its reference yet.
type Substituter interface {
	Substitute(ctx context.Context, item store.ContentItem, to transport.Target) (store.ContentItem, transport.MessageHandle, error)
}

// Attempt is the transient record of one backend try. It is published on
// the bus and never persisted.
type Attempt struct {
	Backend string
	OK      bool
	Kind    errkind.Kind
}

type Dispatcher struct {
	cfgMu    sync.Mutex
	cfg      Config
	reg      *transport.Registry
	hydrator *rehydrate.Service
	thumbs   Substituter
	bus      eventbus.Bus
	log      logx.Logger

	// rng feeds backoff jitter; guarded because firings dispatch in parallel.
	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, reg *transport.Registry, hydrator *rehydrate.Service, thumbs Substituter, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		hydrator: hydrator,
		thumbs:   thumbs,
		bus:      bus,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps retry knobs at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg.withDefaults()
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

// Deliver sends the item to the target channel now and returns a handle to
// the created message.
func (d *Dispatcher) Deliver(ctx context.Context, item store.ContentItem, to transport.Target) (transport.MessageHandle, error) {
	// A pending custom thumbnail forces fresh bytes: the substitution
	// pipeline uploads media+thumbnail together, the send itself being the
	// upload, and swaps the stored reference on success.
	if item.ThumbRef != "" && !item.HasCustomThumb && d.thumbs != nil {
		_, handle, err := d.thumbs.Substitute(ctx, item, to)
		d.report(substituteBackend, err)
		return handle, err
	}

	payload := transport.Payload{
		Kind:    item.Kind,
		Ref:     item.Ref,
		Caption: item.Caption,
	}
	if item.Kind == transport.KindText {
		// For text items the stored reference is the message body itself.
		payload.Text = item.Ref
	}
	need := transport.Requirement{Size: item.SizeBytes}

	backends := d.reg.Capable(need)
	if len(backends) == 0 {
		return transport.MessageHandle{}, errkind.Newf(errkind.Unsupported,
			"no backend accepts %s of %d bytes", item.Kind, item.SizeBytes)
	}

	var lastErr error
	for i, b := range backends {
		// Once rehydration switches the payload to fresh bytes, only
		// upload-capable backends can carry it.
		if payload.Upload != nil && !b.Capabilities().SupportsUpload {
			continue
		}
		h, err := d.attempt(ctx, b, payload, to)
		d.report(b.Name(), err)
		if err == nil {
			return h, nil
		}
		lastErr = err

		kind := errkind.Of(err)
		if !kind.FallsBack() || i == len(backends)-1 {
			return transport.MessageHandle{}, err
		}

		// The reference died under the primary; fallbacks can only help if
		// they carry fresh bytes, so rehydrate once and switch to upload.
		if kind == errkind.ReferenceExpired && payload.Upload == nil {
			staged, rerr := d.hydrator.Fetch(ctx, item.Ref)
			if rerr != nil {
				return transport.MessageHandle{}, rerr
			}
			defer staged.Release()
			payload.Upload = &transport.Upload{Path: staged.Path, Size: staged.Size}
		}
		d.log.Debug("dispatch falling back",
			logx.String("from", b.Name()), logx.String("kind", kind.String()))
	}
	return transport.MessageHandle{}, lastErr
}

// DeleteMessage removes a delivered message, trying backends in preference
// order. Used by destruct jobs; best effort.
func (d *Dispatcher) DeleteMessage(ctx context.Context, h transport.MessageHandle) error {
	backends := d.reg.Ordered()
	if len(backends) == 0 {
		return errkind.Newf(errkind.Unavailable, "no usable backends")
	}
	var lastErr error
	for _, b := range backends {
		if lastErr = b.Delete(ctx, h); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// attempt tries one backend, retrying TransientNetwork failures up to the
// configured bound with exponential backoff and jitter. RetryAfter hints
// from the backend are respected, capped by RetryMaxDelay.
func (d *Dispatcher) attempt(ctx context.Context, b transport.Backend, p transport.Payload, to transport.Target) (transport.MessageHandle, error) {
	cfg := d.config()
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h, err := b.Send(ctx, p, to)
		if err == nil {
			return h, nil
		}
		lastErr = err

		if !errkind.Of(err).Retryable() || attempt == maxAttempts {
			break
		}

		delay := d.backoff(cfg, attempt, err)
		d.log.Debug("dispatch retry scheduled",
			logx.String("backend", b.Name()), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return transport.MessageHandle{}, errkind.New(errkind.TransientNetwork,
				fmt.Errorf("dispatch aborted: %w", ctx.Err()))
		case <-tmr.C:
		}
	}
	return transport.MessageHandle{}, lastErr
}

func (d *Dispatcher) backoff(cfg Config, attempt int, err error) time.Duration {
	delay := cfg.RetryBase
	var ra errkind.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		delay = ra.RetryAfter()
	} else {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > cfg.RetryMaxDelay {
				break
			}
		}
	}
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	if j := cfg.RetryJitter; j > 0 {
		d.rngMu.Lock()
		r := (d.rng.Float64()*2 - 1) * j
		d.rngMu.Unlock()
		delay = time.Duration(float64(delay) * (1 + r))
		if delay < 0 {
			delay = 0
		}
	}
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	return delay
}

const substituteBackend = "substitute"

func (d *Dispatcher) report(backend string, err error) {
	if d.bus == nil {
		return
	}
	a := eventbus.AttemptEvent{Backend: backend, OK: err == nil}
	if err != nil {
		a.Kind = errkind.Of(err).String()
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchAttempt, Data: a})
}
