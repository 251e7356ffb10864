package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	// Database. Empty selects the in-memory job store.
	DatabaseURL string `mapstructure:"database_url"`

	// Server
	ServerPort string `mapstructure:"server_port"`

	// Artifacts
	ArtifactDir    string `mapstructure:"artifact_dir"`
	ArtifactBucket string `mapstructure:"artifact_bucket"`
	ArtifactPrefix string `mapstructure:"artifact_prefix"`
	AWSRegion      string `mapstructure:"aws_region"`

	// Orchestration timeouts, in seconds
	ControlTimeoutSec int `mapstructure:"control_timeout_sec"`
	CancelTimeoutSec  int `mapstructure:"cancel_timeout_sec"`
}

// Load reads configuration from the environment with PEFT_ prefixed
// variables (e.g. PEFT_DATABASE_URL) over the built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("peft")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "")
	v.SetDefault("server_port", "8080")
	v.SetDefault("artifact_dir", "artifacts")
	v.SetDefault("artifact_bucket", "")
	v.SetDefault("artifact_prefix", "adapters")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("control_timeout_sec", 30)
	v.SetDefault("cancel_timeout_sec", 30)

	// Viper only sees env vars for keys it knows about; bind explicitly.
	for _, key := range []string{
		"database_url", "server_port", "artifact_dir", "artifact_bucket",
		"artifact_prefix", "aws_region", "control_timeout_sec", "cancel_timeout_sec",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ControlTimeout returns the control-call bound as a duration.
func (c *Config) ControlTimeout() time.Duration {
	return time.Duration(c.ControlTimeoutSec) * time.Second
}

// CancelTimeout returns the cancellation bound as a duration.
func (c *Config) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutSec) * time.Second
}
