package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Backends lists delivery endpoints in preference order: the first
	// capable entry gets the payload, later entries are fallbacks.
	Backends []BackendConfig `json:"backends"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BackendConfig describes one Bot API endpoint.
//
// The stock cloud endpoint caps uploads at 50 MiB; a self-hosted Bot API
// server (api_url set) raises that to 2000 MiB. Declaring both here with the
// cloud endpoint first gives cheap delivery with a large-file fallback.
type BackendConfig struct {
	Name  string `json:"name"`
	Token string `json:"token"`

	// APIURL overrides the endpoint. Empty means api.telegram.org.
	APIURL string `json:"api_url,omitempty"`

	MaxInlineSize  int64 `json:"max_inline_size,omitempty"`
	SupportsUpload bool  `json:"supports_upload"`
	RatePerSec     int   `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the firing pool and maintenance.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted/zero fields fall back to engine defaults.
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// FireTimeout bounds one firing end to end. "0s" disables the bound.
	FireTimeout string `json:"fire_timeout,omitempty"`

	// FailedRetention is how long failed records stay before pruning.
	FailedRetention string `json:"failed_retention,omitempty"`

	// JanitorSpec is a cron spec for recurring maintenance
	// (e.g. "@every 1h", "0 3 * * *").
	JanitorSpec string `json:"janitor_spec,omitempty"`

	StagingDir string `json:"staging_dir,omitempty"`
	// StagingMaxAge is how long orphaned staging files survive the sweep.
	StagingMaxAge string `json:"staging_max_age,omitempty"`
}

// DispatchConfig controls per-backend retry on transient failures.
type DispatchConfig struct {
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// Validate checks everything that can be checked without touching the
// network: required fields, duration syntax, backend uniqueness.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("backends[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(b.Token) == "" {
			return fmt.Errorf("backends[%d].token is required", i)
		}
		if b.MaxInlineSize < 0 {
			return fmt.Errorf("backends[%d].max_inline_size must be >= 0", i)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"scheduler.fire_timeout", c.Scheduler.FireTimeout},
		{"scheduler.failed_retention", c.Scheduler.FailedRetention},
		{"scheduler.staging_max_age", c.Scheduler.StagingMaxAge},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatch.RetryJitter < 0 || c.Dispatch.RetryJitter > 1 {
		return fmt.Errorf("dispatch.retry_jitter must be in [0, 1]")
	}
	return nil
}

// FireTimeoutDuration returns the parsed firing bound; zero means unbounded.
// Validate must have accepted the config first.
func (s SchedulerConfig) FireTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("scheduler.fire_timeout", s.FireTimeout)
	return d
}

func (s SchedulerConfig) FailedRetentionDuration() time.Duration {
	d, _ := ParseDurationField("scheduler.failed_retention", s.FailedRetention)
	return d
}

func (s SchedulerConfig) StagingMaxAgeDuration() time.Duration {
	d, _ := ParseDurationField("scheduler.staging_max_age", s.StagingMaxAge)
	return d
}

func (d DispatchConfig) RetryBaseDuration() time.Duration {
	v, _ := ParseDurationField("dispatch.retry_base", d.RetryBase)
	return v
}

func (d DispatchConfig) RetryMaxDelayDuration() time.Duration {
	v, _ := ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	return v
}
