package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Redis   RedisConfig   `json:"redis"`
	Mesh    MeshConfig    `json:"mesh"`
	Router  RouterConfig  `json:"router"`
	Archive ArchiveConfig `json:"archive"`
	Notify  NotifyConfig  `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// MeshConfig controls the node's identity and registry timing.
type MeshConfig struct {
	NodeID           string `json:"node_id"`
	TransportClass   string `json:"transport_class"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	SweepSeconds     int    `json:"sweep_seconds"`
	LivenessSeconds  int    `json:"liveness_seconds"`
	ReadBatchSize    int    `json:"read_batch_size"`
	BlockMillis      int    `json:"block_millis"`
}

// RouterConfig controls task dispatch timing.
type RouterConfig struct {
	PollMillis       int `json:"poll_millis"`
	ResultPollMillis int `json:"result_poll_millis"`
}

type ArchiveConfig struct {
	PostgresDSN   string `json:"postgres_dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mesh.TransportClass == "" {
		c.Mesh.TransportClass = "go"
	}
	if c.Mesh.HeartbeatSeconds <= 0 {
		c.Mesh.HeartbeatSeconds = 30
	}
	if c.Mesh.SweepSeconds <= 0 {
		c.Mesh.SweepSeconds = 60
	}
	if c.Mesh.LivenessSeconds <= 0 {
		c.Mesh.LivenessSeconds = 300
	}
	if c.Mesh.ReadBatchSize <= 0 {
		c.Mesh.ReadBatchSize = 10
	}
	if c.Mesh.BlockMillis <= 0 {
		c.Mesh.BlockMillis = 2000
	}
	if c.Router.PollMillis <= 0 {
		c.Router.PollMillis = 250
	}
	if c.Router.ResultPollMillis <= 0 {
		c.Router.ResultPollMillis = 100
	}
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *MeshConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// SweepInterval returns the liveness sweep period as a duration.
func (c *MeshConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// LivenessTimeout returns how long an agent may go unseen before it is
// marked offline.
func (c *MeshConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessSeconds) * time.Second
}
