package config

import (
	"github.com/spf13/viper"
)

// Default server port. Above the privileged range, easy to remember.
const DefaultServerPort = 8470

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "storyscan.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)

	// Scheduler defaults
	v.SetDefault("scheduler.thread_count", 3)
	v.SetDefault("scheduler.profiles_per_minute", 30) // Polite pace, avoids bot detection
	v.SetDefault("scheduler.retry_max_attempts", 3)
	v.SetDefault("scheduler.retry_base_delay_ms", 1000)
	v.SetDefault("scheduler.progress_interval_ms", 2000)

	// Checker defaults
	v.SetDefault("checker.endpoint_url", "https://stories.internal/api/profiles/%s/story")
	v.SetDefault("checker.timeout_seconds", 15)

	// Proxy test defaults
	v.SetDefault("proxy_test.target_url", "https://www.google.com/generate_204")
	v.SetDefault("proxy_test.timeout_seconds", 10)
	v.SetDefault("proxy_test.probes_per_minute", 20)
}
