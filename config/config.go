package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ndavat/rokuMote-sub000/remote"
)

// Config is the on-disk configuration consumed by the core at construction.
// The core treats every value as read-only input.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Queue      QueueConfig      `yaml:"queue"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Log        LogConfig        `yaml:"log"`
}

type DeviceConfig struct {
	PreferredID        string `yaml:"preferred_id"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

type ConnectionConfig struct {
	ScanTimeout       string `yaml:"scan_timeout"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	WriteTimeout      string `yaml:"write_timeout"`
	KeepAliveInterval string `yaml:"keepalive_interval"`
}

type QueueConfig struct {
	MaxDepth   int    `yaml:"max_depth"`
	SendDelay  string `yaml:"send_delay"`
	RetryDelay string `yaml:"retry_delay"`
	MaxRetries int    `yaml:"max_retries"`
}

type RecoveryConfig struct {
	AutoReconnect  *bool   `yaml:"auto_reconnect"`
	MaxAttempts    int     `yaml:"max_attempts"`
	ReconnectDelay string  `yaml:"reconnect_delay"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML config at path, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Device.ServiceUUID == "" {
		c.Device.ServiceUUID = remote.DefaultServiceUUID
	}
	if c.Device.CharacteristicUUID == "" {
		c.Device.CharacteristicUUID = remote.DefaultCharacteristicUUID
	}
	if c.Connection.ScanTimeout == "" {
		c.Connection.ScanTimeout = "2s"
	}
	if c.Connection.ConnectTimeout == "" {
		c.Connection.ConnectTimeout = "10s"
	}
	if c.Connection.WriteTimeout == "" {
		c.Connection.WriteTimeout = "5s"
	}
	if c.Connection.KeepAliveInterval == "" {
		c.Connection.KeepAliveInterval = "30s"
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 10
	}
	if c.Queue.SendDelay == "" {
		c.Queue.SendDelay = "100ms"
	}
	if c.Queue.RetryDelay == "" {
		c.Queue.RetryDelay = "500ms"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 2
	}
	if c.Recovery.AutoReconnect == nil {
		t := true
		c.Recovery.AutoReconnect = &t
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.ReconnectDelay == "" {
		c.Recovery.ReconnectDelay = "2s"
	}
	if c.Recovery.InitialBackoff == "" {
		c.Recovery.InitialBackoff = "1s"
	}
	if c.Recovery.MaxBackoff == "" {
		c.Recovery.MaxBackoff = "30s"
	}
	if c.Recovery.Multiplier == 0 {
		c.Recovery.Multiplier = 2.0
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Options converts the configuration into controller options.
func (c *Config) Options() (remote.Options, error) {
	opts := remote.DefaultOptions()
	opts.ServiceUUID = c.Device.ServiceUUID
	opts.CharacteristicUUID = c.Device.CharacteristicUUID
	opts.PreferredDeviceID = c.Device.PreferredID

	var err error
	parse := func(name, val string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = time.ParseDuration(val)
		if err != nil {
			err = fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
		return d
	}

	opts.ScanTimeout = parse("scan_timeout", c.Connection.ScanTimeout)
	opts.ConnectTimeout = parse("connect_timeout", c.Connection.ConnectTimeout)
	opts.WriteTimeout = parse("write_timeout", c.Connection.WriteTimeout)
	opts.KeepAliveInterval = parse("keepalive_interval", c.Connection.KeepAliveInterval)

	opts.Queue.MaxDepth = c.Queue.MaxDepth
	opts.Queue.SendDelay = parse("send_delay", c.Queue.SendDelay)
	opts.Queue.RetryDelay = parse("retry_delay", c.Queue.RetryDelay)
	opts.Queue.MaxRetries = c.Queue.MaxRetries

	opts.Recovery.AutoReconnect = c.Recovery.AutoReconnect == nil || *c.Recovery.AutoReconnect
	opts.Recovery.MaxAttempts = c.Recovery.MaxAttempts
	opts.Recovery.ReconnectDelay = parse("reconnect_delay", c.Recovery.ReconnectDelay)
	opts.Recovery.InitialBackoff = parse("initial_backoff", c.Recovery.InitialBackoff)
	opts.Recovery.MaxBackoff = parse("max_backoff", c.Recovery.MaxBackoff)
	opts.Recovery.Multiplier = c.Recovery.Multiplier

	if err != nil {
		return remote.Options{}, err
	}
	return opts, nil
}
