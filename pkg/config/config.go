package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apiary-io/apiary/pkg/errdefs"
)

// Mode selects which sync adapters the plane wires in
type Mode string

const (
	ModeLocal  Mode = "local"  // no remote peer, change log only
	ModeHybrid Mode = "hybrid" // local store, remote sync peer
	ModeEdge   Mode = "edge"   // remote-first adapters
)

// BusVariant selects the message bus implementation
type BusVariant string

const (
	BusDB      BusVariant = "db"
	BusMailbox BusVariant = "mailbox"
)

// Config is the resolved Apiary configuration
type Config struct {
	DataDir string
	Mode    Mode

	Log       LogConfig
	Edge      EdgeConfig
	Runtime   RuntimeConfig
	Sync      SyncConfig
	Queue     QueueConfig
	Bus       BusConfig
	Scheduler SchedulerConfig
	Sweep     SweepConfig
	Metrics   MetricsConfig
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string
	JSON  bool
}

// EdgeConfig names the remote sync peer. Required for hybrid and edge modes.
type EdgeConfig struct {
	URL   string
	Token string
}

// RuntimeConfig bounds the governor
type RuntimeConfig struct {
	MaxCycles              int // 0 = unlimited
	MaxRuntime             time.Duration
	IdleTimeout            time.Duration
	MaxConsecutiveFailures int
	CheckInterval          time.Duration
}

// SyncConfig controls the sync engine
type SyncConfig struct {
	PollingInterval time.Duration
	Timeout         time.Duration
	MaxRetries      int
	BatchSize       int
	Auto            bool
}

// QueueConfig controls offline queue retries
type QueueConfig struct {
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxAttempts         int
	HealthCheckInterval time.Duration
}

// BusConfig selects and tunes the message bus
type BusConfig struct {
	Variant       BusVariant
	PurgeInterval time.Duration
	DefaultTTL    time.Duration
}

// SchedulerConfig tunes skill matching and claim retries
type SchedulerConfig struct {
	PartialCredit       float64
	MinSkillScore       float64
	MaxClaimAttempts    int
	AllowRetrySameAgent bool
}

// SweepConfig sets reconciler cadences and the staleness threshold
type SweepConfig struct {
	LeaseInterval      time.Duration
	PromoteInterval    time.Duration
	HeartbeatThreshold time.Duration
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", ".apiary")
	v.SetDefault("mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("runtime.maxCycles", 0)
	v.SetDefault("runtime.maxRuntime", "0ms")
	v.SetDefault("runtime.idleTimeout", "10m")
	v.SetDefault("runtime.maxConsecutiveFailures", 5)
	v.SetDefault("runtime.checkInterval", "5s")

	v.SetDefault("sync.pollingInterval", "30s")
	v.SetDefault("sync.timeout", "30s")
	v.SetDefault("sync.maxRetries", 3)
	v.SetDefault("sync.batchSize", 50)
	v.SetDefault("sync.auto", true)

	v.SetDefault("queue.baseDelay", "1s")
	v.SetDefault("queue.maxDelay", "60s")
	v.SetDefault("queue.maxAttempts", 5)
	v.SetDefault("queue.healthCheckInterval", "30s")

	v.SetDefault("bus.variant", "db")
	v.SetDefault("bus.purgeInterval", "60s")
	v.SetDefault("bus.defaultTTL", "24h")

	v.SetDefault("scheduler.partialCredit", 0.3)
	v.SetDefault("scheduler.minSkillScore", 1.0)
	v.SetDefault("scheduler.maxClaimAttempts", 3)
	v.SetDefault("scheduler.allowRetrySameAgent", false)

	v.SetDefault("sweep.leaseInterval", "15s")
	v.SetDefault("sweep.promoteInterval", "5s")
	v.SetDefault("sweep.heartbeatThreshold", "60s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
}

// Load reads configuration from the given file (optional), environment
// variables prefixed APIARY_, and built-in defaults, in that order of
// precedence. Validation failures carry errdefs.ErrConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Legacy key names kept for compatibility with older deployments.
	v.RegisterAlias("cloudflare.workerUrl", "edge.url")
	v.RegisterAlias("cloudflare.apiToken", "edge.token")

	v.SetEnvPrefix("APIARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errdefs.Config("reading %s: %v", path, err)
		}
	} else {
		v.SetConfigName("apiary")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errdefs.Config("reading config: %v", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir: v.GetString("dataDir"),
		Mode:    Mode(v.GetString("mode")),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
		Edge: EdgeConfig{
			URL:   v.GetString("edge.url"),
			Token: v.GetString("edge.token"),
		},
		Runtime: RuntimeConfig{
			MaxCycles:              v.GetInt("runtime.maxCycles"),
			MaxConsecutiveFailures: v.GetInt("runtime.maxConsecutiveFailures"),
		},
		Sync: SyncConfig{
			MaxRetries: v.GetInt("sync.maxRetries"),
			BatchSize:  v.GetInt("sync.batchSize"),
			Auto:       v.GetBool("sync.auto"),
		},
		Queue: QueueConfig{
			MaxAttempts: v.GetInt("queue.maxAttempts"),
		},
		Bus: BusConfig{
			Variant: BusVariant(v.GetString("bus.variant")),
		},
		Scheduler: SchedulerConfig{
			PartialCredit:       v.GetFloat64("scheduler.partialCredit"),
			MinSkillScore:       v.GetFloat64("scheduler.minSkillScore"),
			MaxClaimAttempts:    v.GetInt("scheduler.maxClaimAttempts"),
			AllowRetrySameAgent: v.GetBool("scheduler.allowRetrySameAgent"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Addr:    v.GetString("metrics.addr"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"runtime.maxRuntime", &cfg.Runtime.MaxRuntime},
		{"runtime.idleTimeout", &cfg.Runtime.IdleTimeout},
		{"runtime.checkInterval", &cfg.Runtime.CheckInterval},
		{"sync.pollingInterval", &cfg.Sync.PollingInterval},
		{"sync.timeout", &cfg.Sync.Timeout},
		{"queue.baseDelay", &cfg.Queue.BaseDelay},
		{"queue.maxDelay", &cfg.Queue.MaxDelay},
		{"queue.healthCheckInterval", &cfg.Queue.HealthCheckInterval},
		{"bus.purgeInterval", &cfg.Bus.PurgeInterval},
		{"bus.defaultTTL", &cfg.Bus.DefaultTTL},
		{"sweep.leaseInterval", &cfg.Sweep.LeaseInterval},
		{"sweep.promoteInterval", &cfg.Sweep.PromoteInterval},
		{"sweep.heartbeatThreshold", &cfg.Sweep.HeartbeatThreshold},
	}
	for _, d := range durations {
		parsed, err := ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, errdefs.Config("%s: %v", d.key, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks mode, bus variant, and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeHybrid, ModeEdge:
	default:
		return errdefs.Config("unknown mode %q (want local, hybrid, or edge)", c.Mode)
	}

	if c.Mode != ModeLocal {
		if c.Edge.URL == "" {
			return errdefs.Config("mode %s requires edge.url", c.Mode)
		}
		if c.Edge.Token == "" {
			return errdefs.Config("mode %s requires edge.token", c.Mode)
		}
	}

	switch c.Bus.Variant {
	case BusDB, BusMailbox:
	default:
		return errdefs.Config("unknown bus variant %q (want db or mailbox)", c.Bus.Variant)
	}

	if c.Sync.BatchSize <= 0 {
		return errdefs.Config("sync.batchSize must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Queue.MaxAttempts <= 0 {
		return errdefs.Config("queue.maxAttempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BaseDelay > c.Queue.MaxDelay {
		return errdefs.Config("queue.baseDelay %s exceeds queue.maxDelay %s",
			FormatDuration(c.Queue.BaseDelay), FormatDuration(c.Queue.MaxDelay))
	}
	if c.Scheduler.PartialCredit < 0 || c.Scheduler.PartialCredit > 1 {
		return errdefs.Config("scheduler.partialCredit must be in [0,1], got %v", c.Scheduler.PartialCredit)
	}
	if c.Scheduler.MinSkillScore < 0 || c.Scheduler.MinSkillScore > 1 {
		return errdefs.Config("scheduler.minSkillScore must be in [0,1], got %v", c.Scheduler.MinSkillScore)
	}
	if c.DataDir == "" {
		return errdefs.Config("dataDir must not be empty")
	}
	return nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		// Defaults are internally consistent; a failure here is a programming error.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}
