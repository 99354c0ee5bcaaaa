package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/hestia-gateway/hestia/pkg/logger"
)

// Instance is one concrete upstream URL for a service, as registered with
// the load balancer / model router strategies.
type Instance struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
	Region string `mapstructure:"region"`
}

// Routing carries strategy-specific routing options. ByModel and ModelKey
// are the fields the model router strategy reads.
type Routing struct {
	ByModel  map[string]string `mapstructure:"by_model"`
	ModelKey string            `mapstructure:"model_key"`
}

// ServiceConfig is the immutable, per-service configuration. Fields mirror
// original_source/src/hestia/config.py's ServiceConfig, widened from a
// single hard-coded service to a named map entry.
type ServiceConfig struct {
	BaseURL               string     `mapstructure:"base_url"`
	HealthURL             string     `mapstructure:"health_url"`
	WarmupMS              int        `mapstructure:"warmup_ms"`
	RetryCount            int        `mapstructure:"retry_count"`
	RetryDelayMS          int        `mapstructure:"retry_delay_ms"`
	FallbackURL           string     `mapstructure:"fallback_url"`
	IdleTimeoutMS         int64      `mapstructure:"idle_timeout_ms"`
	RequestTimeoutSeconds int        `mapstructure:"request_timeout_seconds"`
	QueueSize             int        `mapstructure:"queue_size"`
	Instances             []Instance `mapstructure:"instances"`
	Strategy              string     `mapstructure:"strategy"`
	Routing               Routing    `mapstructure:"routing"`
}

// Config holds every managed service's configuration, keyed by service id,
// plus the process-wide gateway settings.
type Config struct {
	ServerPort             int                      `mapstructure:"server_port"`
	ShutdownDrainSeconds   int                      `mapstructure:"shutdown_drain_seconds"`
	ShutdownTimeoutSeconds int                      `mapstructure:"shutdown_timeout_seconds"`
	AllowedOrigins         []string                 `mapstructure:"allowed_origins"`
	MaxRequestSizeMB       int                      `mapstructure:"max_request_size_mb"`
	IdleSweepIntervalMS    int                      `mapstructure:"idle_sweep_interval_ms"`
	MaxConcurrentUpstream  int64                    `mapstructure:"max_concurrent_upstream"`
	Services               map[string]ServiceConfig `mapstructure:"services"`
}

func defaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BaseURL:               "http://localhost:11434",
		RetryCount:            1,
		RetryDelayMS:          0,
		WarmupMS:              0,
		IdleTimeoutMS:         0,
		RequestTimeoutSeconds: 60,
		QueueSize:             100,
	}
}

// Load reads gateway configuration from a YAML file discovered by viper,
// applies built-in defaults, then applies per-service environment
// overrides following the <SERVICE_ID_UPPER_SNAKE>_<FIELD> pattern.
// File values that are missing or out of range fall back to the built-in
// defaults; an environment value that does not parse is logged as a
// warning and the prior value is kept.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("server_port", 8080)
	viper.SetDefault("shutdown_drain_seconds", 2)
	viper.SetDefault("shutdown_timeout_seconds", 10)
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("max_request_size_mb", 10)
	viper.SetDefault("idle_sweep_interval_ms", 25)
	viper.SetDefault("max_concurrent_upstream", 10000)

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Warn("no config file found, using built-in defaults and environment overrides only")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Services == nil {
		cfg.Services = map[string]ServiceConfig{}
	}

	for id, svc := range cfg.Services {
		cfg.Services[id] = applyDefaults(svc)
	}
	for id, svc := range cfg.Services {
		cfg.Services[id] = applyEnvOverrides(id, svc)
	}

	cfg.normalize()

	logger.Info("configuration loaded: services=%d server_port=%d", len(cfg.Services), cfg.ServerPort)
	return &cfg, nil
}

func applyDefaults(svc ServiceConfig) ServiceConfig {
	d := defaultServiceConfig()
	if svc.BaseURL == "" {
		svc.BaseURL = d.BaseURL
	}
	if svc.RetryCount < 0 {
		logger.Warn("retry_count < 0, using default %d", d.RetryCount)
	}
	if svc.RetryCount <= 0 {
		svc.RetryCount = d.RetryCount
	}
	if svc.RequestTimeoutSeconds <= 0 {
		svc.RequestTimeoutSeconds = d.RequestTimeoutSeconds
	}
	if svc.QueueSize <= 0 {
		svc.QueueSize = d.QueueSize
	}
	if svc.IdleTimeoutMS < 0 {
		logger.Warn("idle_timeout_ms < 0, clamping to 0 (no idle shutdown)")
		svc.IdleTimeoutMS = 0
	}
	if svc.RetryDelayMS < 0 {
		svc.RetryDelayMS = 0
	}
	return svc
}

func (c *Config) normalize() {
	if c.MaxConcurrentUpstream <= 0 {
		c.MaxConcurrentUpstream = 10000
	}
	if c.IdleSweepIntervalMS <= 0 {
		c.IdleSweepIntervalMS = 25
	}
}

// envField pairs an environment variable suffix with a setter applied to a
// copy of the service config. Unknown/invalid values are warned and
// dropped, never applied.
type envField struct {
	suffix string
	apply  func(svc *ServiceConfig, raw string) error
}

var envFields = []envField{
	{"BASE_URL", func(svc *ServiceConfig, raw string) error { svc.BaseURL = raw; return nil }},
	{"HEALTH_URL", func(svc *ServiceConfig, raw string) error { svc.HealthURL = raw; return nil }},
	{"FALLBACK_URL", func(svc *ServiceConfig, raw string) error { svc.FallbackURL = raw; return nil }},
	{"RETRY_COUNT", intField(func(svc *ServiceConfig, v int) { svc.RetryCount = v })},
	{"RETRY_DELAY_MS", intField(func(svc *ServiceConfig, v int) { svc.RetryDelayMS = v })},
	{"WARMUP_MS", intField(func(svc *ServiceConfig, v int) { svc.WarmupMS = v })},
	{"QUEUE_SIZE", intField(func(svc *ServiceConfig, v int) { svc.QueueSize = v })},
	{"REQUEST_TIMEOUT_SECONDS", intField(func(svc *ServiceConfig, v int) { svc.RequestTimeoutSeconds = v })},
	{"IDLE_TIMEOUT_MS", func(svc *ServiceConfig, raw string) error {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		svc.IdleTimeoutMS = v
		return nil
	}},
}

func intField(set func(svc *ServiceConfig, v int)) func(svc *ServiceConfig, raw string) error {
	return func(svc *ServiceConfig, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		set(svc, v)
		return nil
	}
}

func applyEnvOverrides(serviceID string, svc ServiceConfig) ServiceConfig {
	prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(serviceID))
	for _, f := range envFields {
		envVar := prefix + "_" + f.suffix
		raw, ok := os.LookupEnv(envVar)
		if !ok || raw == "" {
			continue
		}
		if err := f.apply(&svc, raw); err != nil {
			logger.Warn("invalid value for %s=%q: %v, keeping prior value", envVar, raw, err)
		}
	}
	return svc
}
