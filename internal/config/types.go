package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Idle      IdleConfig      `json:"idle"`
	Registry  RegistryConfig  `json:"registry"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`
	Metrics     MetricsConfig      `json:"metrics"`
	Systemd     SystemdConfig      `json:"systemd"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Events  LoggingEvents `json:"events"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingEvents republishes log lines at or above MinLevel on the event bus.
type LoggingEvents struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LifecycleConfig drives the host's own startup: how long it waits before
// reaching each phase. All values are Go duration strings.
//
// Defaults: starting "0s", ready "0s", restored "100ms", eventually "2s".
type LifecycleConfig struct {
	StartingDelay   string `json:"starting_delay,omitempty"`
	ReadyDelay      string `json:"ready_delay,omitempty"`
	RestoredDelay   string `json:"restored_delay,omitempty"`
	EventuallyDelay string `json:"eventually_delay,omitempty"`
}

type IdleConfig struct {
	// SliceBudget is the time handed to each idle callback (default "50ms").
	SliceBudget string `json:"slice_budget,omitempty"`
}

// RegistryConfig tunes the contribution registry. Changes apply on restart.
//
// Defaults: restored_timeout "500ms", eventually_timeout "3s",
// slow_early "20ms", slow_late "100ms".
type RegistryConfig struct {
	// Built marks a production binary; anonymous contributions are then
	// not tracked individually.
	Built             bool   `json:"built"`
	RestoredTimeout   string `json:"restored_timeout,omitempty"`
	EventuallyTimeout string `json:"eventually_timeout,omitempty"`
	SlowEarly         string `json:"slow_early,omitempty"`
	SlowLate          string `json:"slow_late,omitempty"`
}

// StorageConfig controls where creation timings are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./phasehost_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DiagnosticsConfig schedules the timing flusher. Schedule is a cron
// expression with an optional seconds field (default "*/30 * * * * *").
type DiagnosticsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// MetricsConfig controls the Prometheus / pprof HTTP listener.
//
// A non-loopback addr needs a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY=1 once restored contributions exist.
	Notify bool `json:"notify"`
}
