package config

import (
	"sort"

	logx "phasehost/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Only the logging section
// is applied live; every other change takes effect on restart, which the
// second return value reports.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, restartNeeded bool, fields []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.events", newCfg.Logging.Events.Enabled),
		)
	}

	cold := map[string]bool{
		"lifecycle":   oldCfg.Lifecycle != newCfg.Lifecycle,
		"idle":        oldCfg.Idle != newCfg.Idle,
		"registry":    oldCfg.Registry != newCfg.Registry,
		"storage":     derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage),
		"diagnostics": derefDiagnostics(oldCfg.Diagnostics) != derefDiagnostics(newCfg.Diagnostics),
		"metrics":     oldCfg.Metrics != newCfg.Metrics,
		"systemd":     oldCfg.Systemd != newCfg.Systemd,
	}
	names := make([]string, 0, len(cold))
	for name, diff := range cold {
		if diff {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		restartNeeded = true
		changed = append(changed, names...)
	}
	return changed, restartNeeded, fields
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefDiagnostics(d *DiagnosticsConfig) DiagnosticsConfig {
	if d == nil {
		return DiagnosticsConfig{}
	}
	return *d
}
