// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Queue struct {
	Capacity       int           `mapstructure:"capacity" yaml:"capacity"`
	OverflowPolicy string        `mapstructure:"overflow_policy" yaml:"overflow_policy"`
	BlockTimeout   time.Duration `mapstructure:"block_timeout" yaml:"block_timeout"`
	GrowFactor     float64       `mapstructure:"grow_factor" yaml:"grow_factor"`
	GrowMax        int           `mapstructure:"grow_max" yaml:"grow_max"`
}

type Worker struct {
	Count int `mapstructure:"count" yaml:"count"`
}

type Bus struct {
	GracePeriod       time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	DeadLetterOnClose bool          `mapstructure:"dead_letter_on_close" yaml:"dead_letter_on_close"`
}

type Task struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
	RetryStrategy   string        `mapstructure:"retry_strategy" yaml:"retry_strategy"`
	RetryJitter     bool          `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	ResultRetention int           `mapstructure:"result_retention" yaml:"result_retention"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

type Backpressure struct {
	LoadLow        float64       `mapstructure:"load_low" yaml:"load_low"`
	LoadHigh       float64       `mapstructure:"load_high" yaml:"load_high"`
	Smoothing      float64       `mapstructure:"smoothing" yaml:"smoothing"`
	AdaptationRate float64       `mapstructure:"adaptation_rate" yaml:"adaptation_rate"`
	MinBatch       int           `mapstructure:"min_batch" yaml:"min_batch"`
	MaxBatch       int           `mapstructure:"max_batch" yaml:"max_batch"`
	MinFlush       time.Duration `mapstructure:"min_flush" yaml:"min_flush"`
	MaxFlush       time.Duration `mapstructure:"max_flush" yaml:"max_flush"`
	TargetLatency  time.Duration `mapstructure:"target_latency" yaml:"target_latency"`
}

type Redis struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	DB             int           `mapstructure:"db" yaml:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	DeadLetterKey  string        `mapstructure:"dead_letter_key" yaml:"dead_letter_key"`
	DeadLetterMax  int64         `mapstructure:"dead_letter_max" yaml:"dead_letter_max"`
	MetricsKeyBase string        `mapstructure:"metrics_key_base" yaml:"metrics_key_base"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level" yaml:"log_level"`
	LogFile     string        `mapstructure:"log_file" yaml:"log_file"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

type Aggregation struct {
	WindowSize    int           `mapstructure:"window_size" yaml:"window_size"`
	Percentiles   []float64     `mapstructure:"percentiles" yaml:"percentiles"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	Adaptive      bool          `mapstructure:"adaptive" yaml:"adaptive"`
}

type Config struct {
	Worker         Worker         `mapstructure:"worker" yaml:"worker"`
	Queue          Queue          `mapstructure:"queue" yaml:"queue"`
	Bus            Bus            `mapstructure:"bus" yaml:"bus"`
	Task           Task           `mapstructure:"task" yaml:"task"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Backpressure   Backpressure   `mapstructure:"backpressure" yaml:"backpressure"`
	Redis          Redis          `mapstructure:"redis" yaml:"redis"`
	Observability  Observability  `mapstructure:"observability" yaml:"observability"`
	Aggregation    Aggregation    `mapstructure:"aggregation" yaml:"aggregation"`
}

func defaultConfig() *Config {
	return &Config{
		Worker: Worker{Count: 8},
		Queue: Queue{
			Capacity:       1024,
			OverflowPolicy: "drop_newest",
			BlockTimeout:   time.Second,
			GrowFactor:     2,
			GrowMax:        65536,
		},
		Bus: Bus{GracePeriod: 5 * time.Second},
		Task: Task{
			MaxRetries:      3,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryMultiplier: 2,
			RetryStrategy:   "exponential",
			RetryJitter:     true,
			ResultRetention: 1024,
			DefaultTimeout:  time.Minute,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Backpressure: Backpressure{
			LoadLow:        0.3,
			LoadHigh:       0.8,
			Smoothing:      0.7,
			AdaptationRate: 1.5,
			MinBatch:       1,
			MaxBatch:       1000,
			MinFlush:       100 * time.Millisecond,
			MaxFlush:       10 * time.Second,
			TargetLatency:  100 * time.Millisecond,
		},
		Redis: Redis{
			Addr:           "localhost:6379",
			DialTimeout:    5 * time.Second,
			ReadTimeout:    3 * time.Second,
			WriteTimeout:   3 * time.Second,
			DeadLetterKey:  "fabric:dead_letter",
			DeadLetterMax:  10000,
			MetricsKeyBase: "fabric:metrics",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{SampleRate: 0.1},
		},
		Aggregation: Aggregation{
			WindowSize:    1024,
			Percentiles:   []float64{0.5, 0.9, 0.99},
			FlushInterval: 5 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Load reads YAML configuration with env overrides. Flat keys from the
// environment-agnostic contract (worker_threads, queue_capacity, ...)
// override their structured counterparts.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("queue.capacity", def.Queue.Capacity)
	v.SetDefault("queue.overflow_policy", def.Queue.OverflowPolicy)
	v.SetDefault("queue.block_timeout", def.Queue.BlockTimeout)
	v.SetDefault("queue.grow_factor", def.Queue.GrowFactor)
	v.SetDefault("queue.grow_max", def.Queue.GrowMax)
	v.SetDefault("bus.grace_period", def.Bus.GracePeriod)
	v.SetDefault("bus.dead_letter_on_close", def.Bus.DeadLetterOnClose)
	v.SetDefault("task.max_retries", def.Task.MaxRetries)
	v.SetDefault("task.retry_base_delay", def.Task.RetryBaseDelay)
	v.SetDefault("task.retry_multiplier", def.Task.RetryMultiplier)
	v.SetDefault("task.retry_strategy", def.Task.RetryStrategy)
	v.SetDefault("task.retry_jitter", def.Task.RetryJitter)
	v.SetDefault("task.result_retention", def.Task.ResultRetention)
	v.SetDefault("task.default_timeout", def.Task.DefaultTimeout)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.reset_timeout", def.CircuitBreaker.ResetTimeout)
	v.SetDefault("backpressure.load_low", def.Backpressure.LoadLow)
	v.SetDefault("backpressure.load_high", def.Backpressure.LoadHigh)
	v.SetDefault("backpressure.smoothing", def.Backpressure.Smoothing)
	v.SetDefault("backpressure.adaptation_rate", def.Backpressure.AdaptationRate)
	v.SetDefault("backpressure.min_batch", def.Backpressure.MinBatch)
	v.SetDefault("backpressure.max_batch", def.Backpressure.MaxBatch)
	v.SetDefault("backpressure.min_flush", def.Backpressure.MinFlush)
	v.SetDefault("backpressure.max_flush", def.Backpressure.MaxFlush)
	v.SetDefault("backpressure.target_latency", def.Backpressure.TargetLatency)
	v.SetDefault("redis.enabled", def.Redis.Enabled)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.dead_letter_key", def.Redis.DeadLetterKey)
	v.SetDefault("redis.dead_letter_max", def.Redis.DeadLetterMax)
	v.SetDefault("redis.metrics_key_base", def.Redis.MetricsKeyBase)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", def.Observability.Tracing.SampleRate)
	v.SetDefault("aggregation.window_size", def.Aggregation.WindowSize)
	v.SetDefault("aggregation.percentiles", def.Aggregation.Percentiles)
	v.SetDefault("aggregation.flush_interval", def.Aggregation.FlushInterval)
	v.SetDefault("aggregation.adaptive", def.Aggregation.Adaptive)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyFlatOverrides(v, &cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFlatOverrides maps the contract's flat keys onto the structured
// config when present in the file or environment.
func applyFlatOverrides(v *viper.Viper, cfg *Config) {
	if v.IsSet("worker_threads") {
		cfg.Worker.Count = v.GetInt("worker_threads")
	}
	if v.IsSet("queue_capacity") {
		cfg.Queue.Capacity = v.GetInt("queue_capacity")
	}
	if v.IsSet("max_retries") {
		cfg.Task.MaxRetries = v.GetInt("max_retries")
	}
	if v.IsSet("retry_base_delay_ms") {
		cfg.Task.RetryBaseDelay = time.Duration(v.GetInt("retry_base_delay_ms")) * time.Millisecond
	}
	if v.IsSet("circuit_failure_threshold") {
		cfg.CircuitBreaker.FailureThreshold = v.GetInt("circuit_failure_threshold")
	}
	if v.IsSet("circuit_reset_timeout_ms") {
		cfg.CircuitBreaker.ResetTimeout = time.Duration(v.GetInt("circuit_reset_timeout_ms")) * time.Millisecond
	}
	if v.IsSet("adaptive_load_low") {
		cfg.Backpressure.LoadLow = v.GetFloat64("adaptive_load_low")
	}
	if v.IsSet("adaptive_load_high") {
		cfg.Backpressure.LoadHigh = v.GetFloat64("adaptive_load_high")
	}
	if v.IsSet("overflow_policy") {
		cfg.Queue.OverflowPolicy = v.GetString("overflow_policy")
	}
}

// Validate rejects out-of-range settings at initialization time.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be >= 0")
	}
	switch cfg.Queue.OverflowPolicy {
	case "drop_oldest", "drop_newest", "block", "grow":
	default:
		return fmt.Errorf("queue.overflow_policy %q is not one of drop_oldest|drop_newest|block|grow", cfg.Queue.OverflowPolicy)
	}
	if cfg.Queue.OverflowPolicy == "grow" && (cfg.Queue.GrowFactor <= 1 || cfg.Queue.GrowMax < cfg.Queue.Capacity) {
		return fmt.Errorf("queue.grow_factor must be > 1 and queue.grow_max >= queue.capacity")
	}
	if cfg.Task.MaxRetries < 0 {
		return fmt.Errorf("task.max_retries must be >= 0")
	}
	if cfg.Task.RetryBaseDelay < 0 {
		return fmt.Errorf("task.retry_base_delay must be >= 0")
	}
	switch cfg.Task.RetryStrategy {
	case "fixed", "exponential", "fibonacci":
	default:
		return fmt.Errorf("task.retry_strategy %q is not one of fixed|exponential|fibonacci", cfg.Task.RetryStrategy)
	}
	if cfg.Task.ResultRetention < 1 {
		return fmt.Errorf("task.result_retention must be >= 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 || cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker thresholds must be >= 1")
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be > 0")
	}
	bp := cfg.Backpressure
	if bp.LoadLow < 0 || bp.LoadHigh > 1 || bp.LoadLow >= bp.LoadHigh {
		return fmt.Errorf("backpressure load thresholds must satisfy 0 <= load_low < load_high <= 1")
	}
	if bp.Smoothing <= 0 || bp.Smoothing >= 1 {
		return fmt.Errorf("backpressure.smoothing must be in (0, 1)")
	}
	if bp.AdaptationRate <= 1 {
		return fmt.Errorf("backpressure.adaptation_rate must be > 1")
	}
	if bp.MinBatch < 1 || bp.MaxBatch < bp.MinBatch {
		return fmt.Errorf("backpressure batch bounds must satisfy 1 <= min_batch <= max_batch")
	}
	if bp.MinFlush <= 0 || bp.MaxFlush < bp.MinFlush {
		return fmt.Errorf("backpressure flush bounds must satisfy 0 < min_flush <= max_flush")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Aggregation.WindowSize < 2 {
		return fmt.Errorf("aggregation.window_size must be >= 2")
	}
	for _, p := range cfg.Aggregation.Percentiles {
		if p <= 0 || p >= 1 {
			return fmt.Errorf("aggregation percentile %v must be in (0, 1)", p)
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func Dump(cfg *Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
