package core

import (
	"fmt"
	"strings"
	"time"
)

type DispatchConfig struct {
	Workers         int           `koanf:"workers" mapstructure:"workers"`
	Slots           int           `koanf:"slots" mapstructure:"slots"`
	BatchSize       int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase     time.Duration `koanf:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax      time.Duration `koanf:"backoff_max" mapstructure:"backoff_max"`
	PollInterval    time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout" mapstructure:"delivery_timeout"`
	LeaseTimeout    time.Duration `koanf:"lease_timeout" mapstructure:"lease_timeout"`
	ReapInterval    time.Duration `koanf:"reap_interval" mapstructure:"reap_interval"`
}

type IntakeConfig struct {
	StuckAfter       time.Duration `koanf:"stuck_after" mapstructure:"stuck_after"`
	RequireSignature []string      `koanf:"require_signature" mapstructure:"require_signature"`
}

// RequiresSignature reports whether provider was listed in require_signature.
func (c IntakeConfig) RequiresSignature(provider string) bool {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return false
	}
	for _, candidate := range c.RequireSignature {
		if strings.TrimSpace(strings.ToLower(candidate)) == provider {
			return true
		}
	}
	return false
}

type JobsConfig struct {
	LeaseTimeout      time.Duration `koanf:"lease_timeout" mapstructure:"lease_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Dispatch    DispatchConfig `koanf:"dispatch" mapstructure:"dispatch"`
	Intake      IntakeConfig   `koanf:"intake" mapstructure:"intake"`
	Jobs        JobsConfig     `koanf:"jobs" mapstructure:"jobs"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "dispatch",
		Dispatch: DispatchConfig{
			Workers:         4,
			Slots:           4,
			BatchSize:       16,
			MaxAttempts:     8,
			BackoffBase:     2 * time.Second,
			BackoffMax:      10 * time.Minute,
			PollInterval:    time.Second,
			DeliveryTimeout: 30 * time.Second,
			LeaseTimeout:    5 * time.Minute,
			ReapInterval:    30 * time.Second,
		},
		Intake: IntakeConfig{
			StuckAfter: 15 * time.Minute,
		},
		Jobs: JobsConfig{
			LeaseTimeout:      2 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.Intake.StuckAfter <= 0 {
		return fmt.Errorf("core: intake.stuck_after must be positive")
	}
	return c.Jobs.Validate()
}

func (c DispatchConfig) Validate() error {
	positives := []struct {
		key   string
		value int64
	}{
		{"dispatch.workers", int64(c.Workers)},
		{"dispatch.slots", int64(c.Slots)},
		{"dispatch.batch_size", int64(c.BatchSize)},
		{"dispatch.max_attempts", int64(c.MaxAttempts)},
		{"dispatch.backoff_base", int64(c.BackoffBase)},
		{"dispatch.backoff_max", int64(c.BackoffMax)},
		{"dispatch.poll_interval", int64(c.PollInterval)},
		{"dispatch.delivery_timeout", int64(c.DeliveryTimeout)},
		{"dispatch.lease_timeout", int64(c.LeaseTimeout)},
		{"dispatch.reap_interval", int64(c.ReapInterval)},
	}
	for _, entry := range positives {
		if entry.value <= 0 {
			return fmt.Errorf("core: %s must be positive", entry.key)
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("core: dispatch.backoff_max must be >= dispatch.backoff_base")
	}
	if c.DeliveryTimeout >= c.LeaseTimeout {
		return fmt.Errorf("core: dispatch.delivery_timeout must be shorter than dispatch.lease_timeout")
	}
	return nil
}

func (c JobsConfig) Validate() error {
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("core: jobs.lease_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("core: jobs.heartbeat_interval must be positive")
	}
	if c.HeartbeatInterval >= c.LeaseTimeout {
		return fmt.Errorf("core: jobs.heartbeat_interval must be shorter than jobs.lease_timeout")
	}
	return nil
}
