package config

import (
	"reflect"
	"strings"

	logx "chronopost/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes backend tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Backends (never log tokens; surface only shape and order)
	if backendsChanged(oldCfg.Backends, newCfg.Backends) {
		changed = append(changed, "backends")
		names := make([]string, 0, len(newCfg.Backends))
		for _, b := range newCfg.Backends {
			names = append(names, strings.TrimSpace(b.Name))
		}
		attrs = append(attrs,
			logx.Int("backends.count", len(newCfg.Backends)),
			logx.String("backends.order", strings.Join(names, ",")),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSize),
			logx.String("scheduler.fire_timeout", strings.TrimSpace(newCfg.Scheduler.FireTimeout)),
			logx.String("scheduler.failed_retention", strings.TrimSpace(newCfg.Scheduler.FailedRetention)),
			logx.String("scheduler.janitor_spec", strings.TrimSpace(newCfg.Scheduler.JanitorSpec)),
		)
	}

	// Dispatch
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.String("dispatch.retry_base", strings.TrimSpace(newCfg.Dispatch.RetryBase)),
			logx.String("dispatch.retry_max_delay", strings.TrimSpace(newCfg.Dispatch.RetryMaxDelay)),
		)
	}

	// Metrics (section may be omitted)
	oM := derefMetrics(oldCfg.Metrics)
	nM := derefMetrics(newCfg.Metrics)
	if oM != nM {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
		)
	}

	return changed, attrs
}

// backendsChanged compares everything except tokens, plus whether each
// token is set at all. A rotated token with the same shape is still a change.
func backendsChanged(a, b []BackendConfig) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if strings.TrimSpace(a[i].Name) != strings.TrimSpace(b[i].Name) ||
			a[i].Token != b[i].Token ||
			strings.TrimSpace(a[i].APIURL) != strings.TrimSpace(b[i].APIURL) ||
			a[i].MaxInlineSize != b[i].MaxInlineSize ||
			a[i].SupportsUpload != b[i].SupportsUpload ||
			a[i].RatePerSec != b[i].RatePerSec {
			return true
		}
	}
	return false
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}
