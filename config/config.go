// Package config loads storyscan configuration via Viper.
package config

// Config represents the core storyscan configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Checker   CheckerConfig   `mapstructure:"checker"`
	ProxyTest ProxyTestConfig `mapstructure:"proxy_test"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the storyscan HTTP API server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig configures the batch queue and executor
type SchedulerConfig struct {
	// ThreadCount bounds concurrent in-flight profile checks per running batch
	ThreadCount int `mapstructure:"thread_count"`

	// ProfilesPerMinute bounds checks per sliding one-minute window, process-wide
	ProfilesPerMinute int `mapstructure:"profiles_per_minute"`

	// RetryMaxAttempts is the total attempt count per check (first try included)
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`

	// RetryBaseDelayMs is the backoff base before the first retry
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`

	// ProgressIntervalMs is how often progress is logged while a batch runs
	ProgressIntervalMs int `mapstructure:"progress_interval_ms"`
}

// CheckerConfig configures the remote profile-check call
type CheckerConfig struct {
	// EndpointURL is the remote story-check endpoint; %s receives the profile id
	EndpointURL string `mapstructure:"endpoint_url"`

	// TimeoutSeconds bounds a single outbound check (suspend indefinitely is disallowed)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ProxyTestConfig configures manual proxy connectivity tests
type ProxyTestConfig struct {
	// TargetURL is fetched through the proxy to measure latency
	TargetURL string `mapstructure:"target_url"`

	// TimeoutSeconds bounds a single probe
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// ProbesPerMinute bounds how fast proxies may be probed
	ProbesPerMinute int `mapstructure:"probes_per_minute"`
}
