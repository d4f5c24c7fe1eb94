// Package config handles configuration loading, validation, and persistence
// for the RubyCave server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultGamePort      = 1616
	DefaultDiscoveryPort = 1615
	DefaultAPIPort       = 5000
)

// Config is the root configuration structure for RubyCave.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server"`
	Client    ClientConfig    `json:"client"`
	API       APIConfig       `json:"api"`
	Discovery DiscoveryConfig `json:"discovery"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Database  DatabaseConfig  `json:"database"`
	Timers    TimerConfig     `json:"timers"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds game server settings.
type ServerConfig struct {
	Name        string `json:"name"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`

	MaxConnections      int     `json:"max_connections"`
	HandshakeTimeoutSec int     `json:"handshake_timeout_sec"`
	KeepAliveTimeoutSec int     `json:"keep_alive_timeout_sec"`
	AcceptRatePerSec    float64 `json:"accept_rate_per_sec"`
	AcceptBurst         int     `json:"accept_burst"`

	// World
	Spawn        SpawnPoint `json:"spawn"`
	ViewDistance int        `json:"view_distance"`
	GroundHeight int        `json:"ground_height"`
}

// SpawnPoint is where joining players are teleported.
type SpawnPoint struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Z     float32 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

// ClientConfig holds headless client settings.
type ClientConfig struct {
	ServerAddress       string `json:"server_address"`
	Username            string `json:"username"`
	TickRate            int    `json:"tick_rate"`
	KeepAliveIntervalMs int    `json:"keep_alive_interval_ms"`
	OutboundQueueLimit  int    `json:"outbound_queue_limit"`
	InboundQueueLimit   int    `json:"inbound_queue_limit"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_sec"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	IPWhitelist    []string `json:"ip_whitelist"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// Bearer token required on /api routes other than /api/public. Empty disables auth.
	AuthToken string `json:"auth_token"`

	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// DiscoveryConfig holds LAN discovery settings.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds session history settings.
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	StaleSweepInterval    int `json:"stale_sweep_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:                "RubyCave",
			BindAddress:         "0.0.0.0",
			Port:                DefaultGamePort,
			MaxConnections:      64,
			HandshakeTimeoutSec: 10,
			KeepAliveTimeoutSec: 30,
			AcceptRatePerSec:    20,
			AcceptBurst:         40,
			Spawn:               SpawnPoint{X: 8, Y: 66, Z: 8},
			ViewDistance:        2,
			GroundHeight:        64,
		},
		Client: ClientConfig{
			ServerAddress:       fmt.Sprintf("127.0.0.1:%d", DefaultGamePort),
			TickRate:            20,
			KeepAliveIntervalMs: 1000,
			OutboundQueueLimit:  1024,
			InboundQueueLimit:   4096,
			HandshakeTimeoutSec: 10,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
			TLSCertFile:  filepath.Join(DefaultConfigDir, "tls", "cert.pem"),
			TLSKeyFile:   filepath.Join(DefaultConfigDir, "tls", "key.pem"),
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    DefaultDiscoveryPort,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "rubycave",
		},
		Database: DatabaseConfig{
			Path:          filepath.Join("data", "rubycave.db"),
			RetentionDays: 30,
			CleanupTime:   "04:00",
		},
		Timers: TimerConfig{
			GeneralHealthInterval: 60,
			StaleSweepInterval:    5,
			HeartbeatInterval:     60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer updates the server configuration.
func (c *Config) SetServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetDiscovery returns a copy of the discovery configuration.
func (c *Config) GetDiscovery() DiscoveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discovery
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// HandshakeTimeout is how long an accepted socket may take to complete the handshake.
func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

// KeepAliveTimeout is how long a player may stay silent before being kicked.
func (s ServerConfig) KeepAliveTimeout() time.Duration {
	return time.Duration(s.KeepAliveTimeoutSec) * time.Second
}

// ListenAddr returns host:port for the game listener.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// TickInterval is the duration of one client tick.
func (c ClientConfig) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(c.TickRate)
}

// KeepAliveInterval is how often the client sends a keep-alive.
func (c ClientConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

// HandshakeTimeout bounds how long the client waits for the server greeting.
func (c ClientConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}
