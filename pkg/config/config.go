// Package config loads the session server configuration from a YAML file,
// CANVAS_* environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "CANVAS_"

	DefaultPort           = 1234
	defaultGracePeriod    = 30 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendQueue      = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultRPS            = 200
	defaultBurst          = 400
	defaultStatsCron      = "*/5 * * * *"
	defaultInstance       = "canvas-sync"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Rooms.GracePeriod == 0 {
		cfg.Rooms.GracePeriod = Duration(defaultGracePeriod)
	}
	if cfg.Rooms.MaxMessageSize == 0 {
		cfg.Rooms.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.WebSocket.SendQueue == 0 {
		cfg.WebSocket.SendQueue = defaultSendQueue
	}
	if cfg.WebSocket.WriteTimeout == 0 {
		cfg.WebSocket.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if cfg.WebSocket.PingInterval == 0 {
		cfg.WebSocket.PingInterval = Duration(defaultPingInterval)
	}
	if cfg.Limits.RPS == nil {
		rps := float64(defaultRPS)
		cfg.Limits.RPS = &rps
	}
	if cfg.Limits.Burst == 0 {
		cfg.Limits.Burst = defaultBurst
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = defaultInstance
	}
	if cfg.Stats.Cron == "" {
		cfg.Stats.Cron = defaultStatsCron
	}
}

// LoadFile reads a YAML config. A missing file is not an error when optional is set.
func LoadFile(path string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CANVAS_* variables found through lookup,
// normally os.LookupEnv.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	if v, ok := get("SERVER_ADDRESS"); ok {
		cfg.Server.Address = v
	}
	if v, ok := get("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT: %w", EnvPrefix, err)
		}
		cfg.Server.Port = p
	}
	if v, ok := get("GRACE_PERIOD"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sGRACE_PERIOD: %w", EnvPrefix, err)
		}
		cfg.Rooms.GracePeriod = d
	}
	if v, ok := get("MAX_MESSAGE_SIZE"); ok {
		s, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_MESSAGE_SIZE: %w", EnvPrefix, err)
		}
		cfg.Rooms.MaxMessageSize = s
	}
	if v, ok := get("RATE_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_RPS: %w", EnvPrefix, err)
		}
		cfg.Limits.RPS = &f
	}
	if v, ok := get("RATE_BURST"); ok {
		b, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_BURST: %w", EnvPrefix, err)
		}
		cfg.Limits.Burst = b
	}
	if v, ok := get("CORS_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := get("DISCOVERY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDISCOVERY: %w", EnvPrefix, err)
		}
		cfg.Discovery.Enabled = b
	}
	if v, ok := get("STATS_CRON"); ok {
		cfg.Stats.Cron = v
	}
	return nil
}

// Validate applies defaults and fails fast on values the server cannot run with.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Rooms.GracePeriod < 0 {
		return fmt.Errorf("rooms.grace_period must not be negative")
	}
	if cfg.Rooms.MaxMessageSize < 64 {
		return fmt.Errorf("rooms.max_message_size %s is too small", cfg.Rooms.MaxMessageSize)
	}
	if cfg.WebSocket.SendQueue < 1 {
		return fmt.Errorf("websocket.send_queue must be positive")
	}
	if cfg.Limits.Rate() < 0 || cfg.Limits.Burst < 1 {
		return fmt.Errorf("limits.rps must not be negative and limits.burst must be positive")
	}
	if !gronx.New().IsValid(cfg.Stats.Cron) {
		return fmt.Errorf("invalid stats.cron %q: not a valid cron expression", cfg.Stats.Cron)
	}
	return nil
}

// Addr is the listen address.
func (cfg *Config) Addr() string {
	return net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port))
}
