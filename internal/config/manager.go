package config

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chronopost/pkg/logx"
)

const (
	// Editors and atomic-save tools emit bursts of rename/chmod/write
	// events for one edit; reloads are debounced behind this delay.
	debounceDelay = 250 * time.Millisecond

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Manager owns the daemon's config file: it loads it at startup and watches
// it for edits, pushing validated reloads to the single consumer wired up
// in main.
type Manager struct {
	path     string
	validate func(*Config) error

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	log     logx.Logger
	updates chan *Config
}

// NewManager creates a manager for the file at path. validate runs on every
// load and reload; a config failing it is never committed or published.
func NewManager(path string, validate func(*Config) error) *Manager {
	return &Manager{
		path:     path,
		validate: validate,
		log:      logx.Nop(),
		updates:  make(chan *Config, 1),
	}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// Load reads and validates the file and makes the result current.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return nil, err
		}
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeStrict(m.path, b)
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Get returns the current config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Updates delivers validated reloads. The channel holds at most one pending
// config; when the consumer lags, a newer reload replaces the unconsumed
// one. The channel is closed when Watch returns.
func (m *Manager) Updates() <-chan *Config { return m.updates }

func (m *Manager) publish(cfg *Config) {
	select {
	case m.updates <- cfg:
		return
	default:
	}
	// Full buffer: drop the stale pending config, keep the newest.
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- cfg:
	default:
	}
}

// reload re-reads the file after a change event. Parse and validation
// failures keep the previous config in effect; unchanged content (same
// hash) is not republished.
func (m *Manager) reload() {
	cfg, err := m.parse()
	if err != nil {
		m.log.Warn("config reload parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch blocks until ctx is done, reloading the file on edits. A broken
// watcher is recreated with a jittered exponential backoff. The updates
// channel is closed on return.
func (m *Manager) Watch(ctx context.Context) error {
	defer close(m.updates)

	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	changed := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, m.reload)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		ran, err := m.watchOnce(ctx, dir, file, changed)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Warn("config watcher stopped; restarting",
				logx.String("dir", dir), logx.Err(err))
		}
		if ran {
			backoff = watchBackoffBase
		}

		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher session until it breaks or ctx is done. ran
// reports whether the session got as far as delivering events, which
// resets the restart backoff.
func (m *Manager) watchOnce(ctx context.Context, dir, file string, changed func()) (ran bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			// Match by basename: editors may report the event under a
			// different path form than the one configured.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			// An overflow means events were missed; reload once to be safe.
			if strings.Contains(strings.ToLower(werr.Error()), "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				changed()
				continue
			}
			if strings.Contains(strings.ToLower(werr.Error()), "closed") {
				return true, werr
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}
