package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr       string   `yaml:"http_addr"`
	DataDir        string   `yaml:"data_dir"`
	WebDir         string   `yaml:"web_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Store selects the history backend: "file" (JSON state file) or "sqlite".
	Store        string `yaml:"store"`
	HistoryPath  string `yaml:"history_path"`
	DBPath       string `yaml:"db_path"`
	HistoryLimit int    `yaml:"history_limit"`

	SubscriberQueue       int           `yaml:"subscriber_queue"`
	SubscriberSendTimeout time.Duration `yaml:"subscriber_send_timeout"`

	Gateway  Gateway  `yaml:"gateway"`
	Fallback Fallback `yaml:"fallback"`
	Logging  Logging  `yaml:"logging"`
}

type Gateway struct {
	URL        string `yaml:"url"`
	Protocol   string `yaml:"protocol"` // "rpc" or "bare"
	Token      string `yaml:"token"`
	Secret     string `yaml:"secret"`
	Hash       string `yaml:"hash"` // "hmac-sha256" or "blake3"
	ClientID   string `yaml:"client_id"`
	SessionKey string `yaml:"session_key"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`

	// InboxPath is polled for JSONL events when no URL is configured.
	InboxPath     string        `yaml:"inbox_path"`
	InboxInterval time.Duration `yaml:"inbox_interval"`
}

type Fallback struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	dataDir := "data"
	return Config{
		HTTPAddr:              ":8080",
		DataDir:               dataDir,
		WebDir:                "web",
		Store:                 "file",
		HistoryLimit:          500,
		SubscriberQueue:       64,
		SubscriberSendTimeout: 10 * time.Second,
		Gateway: Gateway{
			Protocol:          "rpc",
			Hash:              "hmac-sha256",
			ClientID:          "relayd",
			SessionKey:        "main",
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			SendTimeout:       15 * time.Second,
			BackoffInitial:    time.Second,
			BackoffMax:        60 * time.Second,
			InboxInterval:     time.Second,
		},
		Fallback: Fallback{
			Timeout: 15 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// RELAY_* environment variables (a .env file in the working directory is read
// first and never overrides variables already set).
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("RELAY_HTTP_ADDR", c.HTTPAddr)
	c.DataDir = getEnv("RELAY_DATA_DIR", c.DataDir)
	c.WebDir = getEnv("RELAY_WEB_DIR", c.WebDir)
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	c.Store = getEnv("RELAY_STORE", c.Store)
	c.HistoryPath = getEnv("RELAY_HISTORY_PATH", c.HistoryPath)
	c.DBPath = getEnv("RELAY_DB_PATH", c.DBPath)
	c.HistoryLimit = getInt("RELAY_HISTORY_LIMIT", c.HistoryLimit)
	c.SubscriberQueue = getInt("RELAY_SUBSCRIBER_QUEUE", c.SubscriberQueue)
	c.SubscriberSendTimeout = getDuration("RELAY_SUBSCRIBER_SEND_TIMEOUT", c.SubscriberSendTimeout)

	g := &c.Gateway
	g.URL = getEnv("RELAY_GATEWAY_URL", g.URL)
	g.Protocol = getEnv("RELAY_GATEWAY_PROTOCOL", g.Protocol)
	g.Token = getEnv("RELAY_GATEWAY_TOKEN", g.Token)
	g.Secret = getEnv("RELAY_GATEWAY_SECRET", g.Secret)
	g.Hash = getEnv("RELAY_GATEWAY_HASH", g.Hash)
	g.ClientID = getEnv("RELAY_GATEWAY_CLIENT_ID", g.ClientID)
	g.SessionKey = getEnv("RELAY_GATEWAY_SESSION_KEY", g.SessionKey)
	g.HeartbeatInterval = getDuration("RELAY_GATEWAY_HEARTBEAT_INTERVAL", g.HeartbeatInterval)
	g.HeartbeatTimeout = getDuration("RELAY_GATEWAY_HEARTBEAT_TIMEOUT", g.HeartbeatTimeout)
	g.HandshakeTimeout = getDuration("RELAY_GATEWAY_HANDSHAKE_TIMEOUT", g.HandshakeTimeout)
	g.SendTimeout = getDuration("RELAY_GATEWAY_SEND_TIMEOUT", g.SendTimeout)
	g.BackoffInitial = getDuration("RELAY_GATEWAY_BACKOFF_INITIAL", g.BackoffInitial)
	g.BackoffMax = getDuration("RELAY_GATEWAY_BACKOFF_MAX", g.BackoffMax)
	g.InboxPath = getEnv("RELAY_INBOX_PATH", g.InboxPath)
	g.InboxInterval = getDuration("RELAY_INBOX_INTERVAL", g.InboxInterval)

	c.Fallback.Command = getEnv("RELAY_FALLBACK_COMMAND", c.Fallback.Command)
	if v := os.Getenv("RELAY_FALLBACK_ARGS"); v != "" {
		c.Fallback.Args = strings.Fields(v)
	}
	c.Fallback.Timeout = getDuration("RELAY_FALLBACK_TIMEOUT", c.Fallback.Timeout)

	c.Logging.Level = getEnv("RELAY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("RELAY_LOG_FORMAT", c.Logging.Format)
}

func (c *Config) fillDerived() {
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.DataDir, "chat_history.json")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "relay.db")
	}
	if c.Gateway.HeartbeatTimeout <= 0 {
		c.Gateway.HeartbeatTimeout = 2 * c.Gateway.HeartbeatInterval
	}
}

func (c Config) Validate() error {
	switch c.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store %q (want file or sqlite)", c.Store)
	}
	switch c.Gateway.Protocol {
	case "rpc", "bare":
	default:
		return fmt.Errorf("unknown gateway protocol %q (want rpc or bare)", c.Gateway.Protocol)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive")
	}
	if c.Gateway.BackoffInitial <= 0 || c.Gateway.BackoffMax < c.Gateway.BackoffInitial {
		return fmt.Errorf("invalid backoff range %s..%s", c.Gateway.BackoffInitial, c.Gateway.BackoffMax)
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
