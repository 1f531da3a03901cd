package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the session server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Limits    LimitsConfig    `yaml:"limits"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Stats     StatsConfig     `yaml:"stats"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type RoomsConfig struct {
	GracePeriod    Duration  `yaml:"grace_period"`
	MaxMessageSize SizeBytes `yaml:"max_message_size"`
}

type WebSocketConfig struct {
	SendQueue    int      `yaml:"send_queue"`
	WriteTimeout Duration `yaml:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval"`
}

// LimitsConfig bounds inbound frames per connection.
type LimitsConfig struct {
	// RPS is unset when nil; an explicit zero disables the limit.
	RPS   *float64 `yaml:"rps"`
	Burst int      `yaml:"burst"`
}

func (l LimitsConfig) Rate() float64 {
	if l.RPS == nil {
		return 0
	}
	return *l.RPS
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// StatsConfig schedules the periodic room census log line.
type StatsConfig struct {
	Cron string `yaml:"cron"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "1MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "30s" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
