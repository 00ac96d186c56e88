// Package config loads the service's settings from environment variables
// under the ASYNCJOBS_ prefix, with an optional YAML file overlay, per
// SPEC_FULL.md §4.6.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full set of tunables the serve/worker commands need.
type Settings struct {
	AsyncEnabled       bool   `mapstructure:"async_enabled"`
	RedisURL           string `mapstructure:"redis_url"`
	AsyncQueueName     string `mapstructure:"async_queue_name"`
	AsyncResultTTLSec  int    `mapstructure:"async_result_ttl_sec"`
	AsyncBacklogLimit  int    `mapstructure:"async_backlog_limit"`
	AsyncMaxQueueWaitSec int  `mapstructure:"async_max_queue_wait_sec"`
	AsyncRedisKeyPrefix  string `mapstructure:"async_redis_key_prefix"`
	AsyncUseInMemoryBackend bool `mapstructure:"async_use_in_memory_backend"`
	AsyncWorkerRetries int    `mapstructure:"async_worker_retries"`

	APIKey            string `mapstructure:"api_key"`
	CheckerURL        string `mapstructure:"checker_url"`
	CheckerTimeoutSec int    `mapstructure:"checker_timeout_sec"`

	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`

	WorkerConcurrency int `mapstructure:"worker_concurrency"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("async_enabled", true)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("async_queue_name", "asyncjobs_check")
	v.SetDefault("async_result_ttl_sec", 86400)
	v.SetDefault("async_backlog_limit", 50000)
	v.SetDefault("async_max_queue_wait_sec", 30)
	v.SetDefault("async_redis_key_prefix", "asyncjobs")
	v.SetDefault("async_use_in_memory_backend", false)
	v.SetDefault("async_worker_retries", 3)
	v.SetDefault("api_key", "")
	v.SetDefault("checker_url", "http://localhost:8000")
	v.SetDefault("checker_timeout_sec", 30)
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("worker_concurrency", 4)
}

// Load binds environment variables under the ASYNCJOBS_ prefix and, when
// configFile is non-empty, overlays a YAML file on top (file values win over
// env defaults but an explicitly-set env var always wins over the file,
// matching viper's standard precedence).
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("ASYNCJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}
