// Package config loads service configuration from defaults, an optional
// YAML file, and ORCAFLOW_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/orcaflow/orcaflow/internal/core"
)

// Config is the full configuration shared by the three services. Each
// service reads only the sections it needs.
type Config struct {
	Engine     Engine     `mapstructure:"engine"`
	Dispatcher Dispatcher `mapstructure:"dispatcher"`
	Transport  Transport  `mapstructure:"transport"`
	Runner     Runner     `mapstructure:"runner"`
	Execution  Execution  `mapstructure:"execution"`
	Store      Store      `mapstructure:"store"`
	Redis      Redis      `mapstructure:"redis"`
	Stream     Stream     `mapstructure:"eventstream"`
	Log        Log        `mapstructure:"log"`
}

// Engine configures the scheduler service.
type Engine struct {
	MaxConcurrencyPerExecution int           `mapstructure:"maxConcurrencyPerExecution"`
	MaxExecutionsPerInstance   int           `mapstructure:"maxExecutionsPerInstance"`
	ExecutionDeadline          time.Duration `mapstructure:"executionDeadline"`
}

// Dispatcher configures node dispatch retry behavior.
type Dispatcher struct {
	BaseBackoff time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	// ReplySlack is added on top of the node timeout when awaiting a reply.
	ReplySlack time.Duration `mapstructure:"replySlack"`
}

// Transport configures the message bus queues.
type Transport struct {
	Prefetch          QueuePair     `mapstructure:"prefetch"`
	MessageTTL        TTLPair       `mapstructure:"messageTTL"`
	MaxDeliveries     int           `mapstructure:"maxDeliveries"`
	RedeliveryMinIdle time.Duration `mapstructure:"redeliveryMinIdle"`
	// Backend selects the broker implementation: "redis" or "memory".
	Backend string `mapstructure:"backend"`
}

// QueuePair holds a per-queue integer knob for the two logical queues.
type QueuePair struct {
	Workflow int `mapstructure:"workflow"`
	Node     int `mapstructure:"node"`
}

// TTLPair holds a per-queue TTL for the two logical queues.
type TTLPair struct {
	Workflow time.Duration `mapstructure:"workflow"`
	Node     time.Duration `mapstructure:"node"`
}

// Runner configures the node sandbox.
type Runner struct {
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	MaxTimeout     time.Duration `mapstructure:"maxTimeout"`
	MemoryLimitMB  int           `mapstructure:"memoryLimitMB"`
	MaxOutputBytes int           `mapstructure:"maxOutputBytes"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// Execution holds per-execution policy defaults.
type Execution struct {
	FailPolicy core.FailPolicy `mapstructure:"failPolicy"`
}

// Store configures the execution state store.
type Store struct {
	Path string `mapstructure:"path"`
}

// Redis configures the broker connection.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Stream configures the progress event stream.
type Stream struct {
	RetentionGrace time.Duration `mapstructure:"retentionGrace"`
	RingSize       int           `mapstructure:"ringSize"`
}

// Log configures logging output.
type Log struct {
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
}

// Load reads configuration from the optional file plus the environment and
// validates it. An empty file path loads defaults and env only.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.maxConcurrencyPerExecution", 10)
	v.SetDefault("engine.maxExecutionsPerInstance", 100)
	v.SetDefault("engine.executionDeadline", time.Hour)

	v.SetDefault("dispatcher.baseBackoff", time.Second)
	v.SetDefault("dispatcher.maxBackoff", 30*time.Second)
	v.SetDefault("dispatcher.maxAttempts", 3)
	v.SetDefault("dispatcher.replySlack", 5*time.Second)

	v.SetDefault("transport.prefetch.workflow", 10)
	v.SetDefault("transport.prefetch.node", 20)
	v.SetDefault("transport.messageTTL.workflow", 24*time.Hour)
	v.SetDefault("transport.messageTTL.node", 30*time.Minute)
	v.SetDefault("transport.maxDeliveries", 3)
	v.SetDefault("transport.redeliveryMinIdle", 30*time.Second)
	v.SetDefault("transport.backend", "redis")

	v.SetDefault("runner.defaultTimeout", 30*time.Second)
	v.SetDefault("runner.maxTimeout", 180*time.Second)
	v.SetDefault("runner.memoryLimitMB", 128)
	v.SetDefault("runner.maxOutputBytes", 1<<20)
	v.SetDefault("runner.concurrency", 20)

	v.SetDefault("execution.failPolicy", string(core.FailFast))

	v.SetDefault("store.path", "orcaflow.db")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("eventstream.retentionGrace", 5*time.Minute)
	v.SetDefault("eventstream.ringSize", 256)

	v.SetDefault("log.format", "text")
	v.SetDefault("log.debug", false)
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrencyPerExecution < 1 || c.Engine.MaxConcurrencyPerExecution > 500 {
		return fmt.Errorf("engine.maxConcurrencyPerExecution must be in [1, 500], got %d", c.Engine.MaxConcurrencyPerExecution)
	}
	if c.Engine.MaxExecutionsPerInstance < 1 {
		return fmt.Errorf("engine.maxExecutionsPerInstance must be positive, got %d", c.Engine.MaxExecutionsPerInstance)
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher.maxAttempts must be positive, got %d", c.Dispatcher.MaxAttempts)
	}
	if c.Runner.DefaultTimeout <= 0 || c.Runner.DefaultTimeout > c.Runner.MaxTimeout {
		return fmt.Errorf("runner.defaultTimeout must be in (0, %s], got %s", c.Runner.MaxTimeout, c.Runner.DefaultTimeout)
	}
	switch c.Execution.FailPolicy {
	case core.FailFast, core.FailContinue:
	default:
		return fmt.Errorf("execution.failPolicy must be %q or %q, got %q", core.FailFast, core.FailContinue, c.Execution.FailPolicy)
	}
	switch c.Transport.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("transport.backend must be \"redis\" or \"memory\", got %q", c.Transport.Backend)
	}
	return nil
}
