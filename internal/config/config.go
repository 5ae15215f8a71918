package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Swarm     SwarmConfig     `yaml:"swarm"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Memory    MemoryConfig    `yaml:"memory"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
}

type SwarmConfig struct {
	Name              string        `yaml:"name"`
	ObjectiveHint     string        `yaml:"objective_hint"`
	MaxAgents         int           `yaml:"max_agents"`
	MaxRetries        int           `yaml:"max_retries"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	CoolDown          time.Duration `yaml:"cool_down"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type MemoryConfig struct {
	MaxEntries        int           `yaml:"max_entries"`
	MaxBytes          int64         `yaml:"max_bytes"`
	CompressThreshold int           `yaml:"compress_threshold"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	AnalyzeInterval   time.Duration `yaml:"analyze_interval"`
}

type ConsensusConfig struct {
	Quorum         float64       `yaml:"quorum"`
	VoteTimeout    time.Duration `yaml:"vote_timeout"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// BalanceWeights are the relative contributions to an agent's load score.
// They must sum to 1.
type BalanceWeights struct {
	QueueDepth  float64 `yaml:"queue_depth"`
	Utilization float64 `yaml:"utilization"`
	Affinity    float64 `yaml:"affinity"`
	Throughput  float64 `yaml:"throughput"`
}

type SchedulerConfig struct {
	Weights        BalanceWeights `yaml:"weights"`
	StealThreshold float64        `yaml:"steal_threshold"`
	MaxStealBatch  int            `yaml:"max_steal_batch"`
	PollInterval   time.Duration  `yaml:"poll_interval"`
}

type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			Name:              "hived",
			MaxAgents:         16,
			MaxRetries:        3,
			TaskTimeout:       15 * time.Minute,
			GracePeriod:       30 * time.Second,
			CoolDown:          2 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			HealthInterval:    30 * time.Second,
			RebalanceInterval: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: "data/hived.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Memory: MemoryConfig{
			MaxEntries:        10000,
			MaxBytes:          64 << 20,
			CompressThreshold: 1024,
			DefaultTTL:        24 * time.Hour,
			AnalyzeInterval:   time.Minute,
		},
		Consensus: ConsensusConfig{
			Quorum:         0.51,
			VoteTimeout:    time.Minute,
			ExpiryInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			Weights: BalanceWeights{
				QueueDepth:  0.4,
				Utilization: 0.2,
				Affinity:    0.2,
				Throughput:  0.2,
			},
			StealThreshold: 1.5,
			MaxStealBatch:  3,
			PollInterval:   30 * time.Second,
		},
		Events: EventsConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVED_CONFIG")
	if path == "" {
		path = "config/hived.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the coordination core cannot run with.
func (c *Config) Validate() error {
	if c.Consensus.Quorum <= 0 || c.Consensus.Quorum > 1 {
		return fmt.Errorf("consensus quorum must be in (0,1], got %v", c.Consensus.Quorum)
	}
	w := c.Scheduler.Weights
	sum := w.QueueDepth + w.Utilization + w.Affinity + w.Throughput
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scheduler weights must sum to 1, got %v", sum)
	}
	if c.Memory.MaxEntries <= 0 || c.Memory.MaxBytes <= 0 {
		return fmt.Errorf("memory caps must be positive")
	}
	if c.Scheduler.StealThreshold <= 1 {
		return fmt.Errorf("steal threshold must be > 1, got %v", c.Scheduler.StealThreshold)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVED_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVED_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVED_EVENTS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Events.Port = port
		}
	}
	if v := os.Getenv("HIVED_SWARM_NAME"); v != "" {
		cfg.Swarm.Name = v
	}
	if v := os.Getenv("HIVED_OBJECTIVE_HINT"); v != "" {
		cfg.Swarm.ObjectiveHint = v
	}
}
