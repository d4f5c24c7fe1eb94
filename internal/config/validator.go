package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rubycave-project/rubycave/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateClient(&cfg.Client, result)
	validateServices(cfg, result)
	validateTimers(&cfg.Timers, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Name) == "" {
		result.AddWarning("server.name", "server name is empty, discovery replies will be anonymous")
	}
	if net.ParseIP(s.BindAddress) == nil {
		result.AddError("server.bind_address", fmt.Sprintf("not an IP address: %q", s.BindAddress))
	}
	validatePort(s.Port, "server.port", result)

	if s.MaxConnections < 1 {
		result.AddError("server.max_connections", "must allow at least 1 connection")
	}
	if s.HandshakeTimeoutSec < 1 {
		result.AddError("server.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}
	if s.KeepAliveTimeoutSec < 2 {
		result.AddError("server.keep_alive_timeout_sec", "keep-alive timeout must be at least 2 seconds")
	}
	if s.AcceptRatePerSec <= 0 {
		result.AddWarning("server.accept_rate_per_sec", "accept rate limiting is disabled")
	} else if s.AcceptBurst < 1 {
		result.AddError("server.accept_burst", "accept burst must be at least 1 when rate limiting")
	}

	if s.ViewDistance < 0 {
		result.AddError("server.view_distance", "view distance must not be negative")
	}
	if s.ViewDistance > 8 {
		result.AddWarning("server.view_distance",
			fmt.Sprintf("view distance %d sends %d chunks per join", s.ViewDistance, chunkCount(s.ViewDistance)))
	}
	if s.GroundHeight < 0 || s.GroundHeight >= protocol.ChunkHeight {
		result.AddError("server.ground_height",
			fmt.Sprintf("ground height must be within 0-%d", protocol.ChunkHeight-1))
	}
}

func chunkCount(viewDistance int) int {
	side := 2*viewDistance + 1
	return side * side
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if _, _, err := net.SplitHostPort(c.ServerAddress); err != nil {
		result.AddError("client.server_address", fmt.Sprintf("expected host:port: %v", err))
	}
	if c.Username != "" && !protocol.ValidUsername(c.Username) {
		result.AddError("client.username",
			fmt.Sprintf("username must be %d-%d letters, digits or underscores",
				protocol.MinUsernameLength, protocol.MaxUsernameLength))
	}
	if c.TickRate < 1 || c.TickRate > 1000 {
		result.AddError("client.tick_rate", "tick rate must be within 1-1000")
	}
	if c.KeepAliveIntervalMs < 1 {
		result.AddError("client.keep_alive_interval_ms", "keep-alive interval must be positive")
	}
	if c.OutboundQueueLimit < 0 || c.InboundQueueLimit < 0 {
		result.AddError("client.queue_limit", "queue limits must not be negative")
	}
	if c.OutboundQueueLimit == 0 || c.InboundQueueLimit == 0 {
		result.AddWarning("client.queue_limit", "a zero queue limit leaves the queue unbounded")
	}
	if c.HandshakeTimeoutSec < 1 {
		result.AddError("client.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if cfg.API.AuthToken == "" {
			result.AddWarning("api.auth_token", "admin routes are unauthenticated")
		}
		if cfg.API.TLSEnabled && (cfg.API.TLSCertFile == "" || cfg.API.TLSKeyFile == "") {
			result.AddError("api.tls_cert_file", "certificate and key paths are required when TLS is enabled")
		}
		for _, entry := range cfg.API.IPWhitelist {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					result.AddError("api.ip_whitelist", fmt.Sprintf("not an IP or CIDR: %q", entry))
				}
			}
		}
	}

	if cfg.Discovery.Enabled {
		validatePort(cfg.Discovery.Port, "discovery.port", result)
	}

	// Port conflict detection
	ports := map[int]string{cfg.Server.Port: "game"}
	check := func(enabled bool, port int, name string) {
		if !enabled {
			return
		}
		if other, ok := ports[port]; ok {
			result.AddError(name+".port", fmt.Sprintf("port %d conflicts with %s port", port, other))
			return
		}
		ports[port] = name
	}
	check(cfg.API.Enabled, cfg.API.Port, "api")
	check(cfg.Discovery.Enabled, cfg.Discovery.Port, "discovery")

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.UseTLS && (cfg.MQTT.CertFile == "") != (cfg.MQTT.KeyFile == "") {
			result.AddError("mqtt.cert_file", "client certificate and key must be set together")
		}
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required")
	}
	if cfg.Database.RetentionDays < 1 {
		result.AddError("database.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", cfg.Database.CleanupTime); err != nil {
		result.AddError("database.cleanup_time", fmt.Sprintf("expected HH:MM, got %q", cfg.Database.CleanupTime))
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.StaleSweepInterval < 1 {
		result.AddError("timers.stale_sweep_interval_sec", "stale sweep interval must be at least 1 second")
	}
	if timers.GeneralHealthInterval < 10 {
		result.AddWarning("timers.general_health_interval_sec",
			"health interval less than 10s may cause excessive logging")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
