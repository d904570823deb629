package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/messagelog"
)

// DefaultJWTSecret is the development signing secret. The server warns at
// startup when it is still in use.
const DefaultJWTSecret = "chat-room-secret-key-change-in-production"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Auth       AuthSection       `toml:"auth"`
	Limits     LimitsSection     `toml:"limits"`
	History    HistorySection    `toml:"history"`
	Connection ConnectionSection `toml:"connection"`
}

type ServerSection struct {
	HTTPPort          int      `toml:"http_port"`
	DatabasePath      string   `toml:"database_path"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	TrustProxyHeaders bool     `toml:"trust_proxy_headers"`
}

type AuthSection struct {
	JWTSecret           string `toml:"jwt_secret"`
	TokenTTLHours       int    `toml:"token_ttl_hours"`
	BcryptCost          int    `toml:"bcrypt_cost"`
	OneAccountPerOrigin *bool  `toml:"one_account_per_origin"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	MaxFrameBytes    int `toml:"max_frame_bytes"`
	MessageRateLimit int `toml:"message_rate_limit"`
	SendQueueSize    int `toml:"send_queue_size"`
}

type HistorySection struct {
	Capacity    int `toml:"capacity"`
	RecentCount int `toml:"recent_count"`
}

type ConnectionSection struct {
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	PongTimeoutSeconds  int `toml:"pong_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort          int
	DatabasePath      string // empty keeps users in memory
	AllowedOrigins    []string
	TrustProxyHeaders bool

	JWTSecret           string
	TokenTTL            time.Duration
	BcryptCost          int
	OneAccountPerOrigin bool

	MaxMessageLength int   // runes
	MaxFrameBytes    int64 // 0 = unlimited
	MessageRateLimit int   // frames per minute, 0 = unlimited
	SendQueueSize    int

	HistoryCapacity int
	RecentCount     int

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:            3001,
		AllowedOrigins:      []string{"*"},
		JWTSecret:           DefaultJWTSecret,
		TokenTTL:            auth.DefaultTokenTTL,
		BcryptCost:          auth.DefaultBcryptCost,
		OneAccountPerOrigin: true,
		MaxMessageLength:    2000,
		MaxFrameBytes:       64 * 1024,
		MessageRateLimit:    60, // per minute
		SendQueueSize:       256,
		HistoryCapacity:     messagelog.DefaultCapacity,
		RecentCount:         messagelog.DefaultRecent,
		PingInterval:        54 * time.Second,
		PongTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	perOrigin := d.OneAccountPerOrigin
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:       d.HTTPPort,
			AllowedOrigins: d.AllowedOrigins,
		},
		Auth: AuthSection{
			JWTSecret:           d.JWTSecret,
			TokenTTLHours:       int(d.TokenTTL / time.Hour),
			BcryptCost:          d.BcryptCost,
			OneAccountPerOrigin: &perOrigin,
		},
		Limits: LimitsSection{
			MaxMessageLength: d.MaxMessageLength,
			MaxFrameBytes:    int(d.MaxFrameBytes),
			MessageRateLimit: d.MessageRateLimit,
			SendQueueSize:    d.SendQueueSize,
		},
		History: HistorySection{
			Capacity:    d.HistoryCapacity,
			RecentCount: d.RecentCount,
		},
		Connection: ConnectionSection{
			PingIntervalSeconds: int(d.PingInterval / time.Second),
			PongTimeoutSeconds:  int(d.PongTimeout / time.Second),
			WriteTimeoutSeconds: int(d.WriteTimeout / time.Second),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// might be a permissions issue, but we can still run
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat relay server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# JWT_SECRET, PORT and DATABASE_PATH in the environment override this file

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}
	cfg.TrustProxyHeaders = c.Server.TrustProxyHeaders

	if c.Auth.JWTSecret != "" {
		cfg.JWTSecret = c.Auth.JWTSecret
	}
	if c.Auth.TokenTTLHours != 0 {
		cfg.TokenTTL = time.Duration(c.Auth.TokenTTLHours) * time.Hour
	}
	if c.Auth.BcryptCost != 0 {
		cfg.BcryptCost = c.Auth.BcryptCost
	}
	if c.Auth.OneAccountPerOrigin != nil {
		cfg.OneAccountPerOrigin = *c.Auth.OneAccountPerOrigin
	}

	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = int64(c.Limits.MaxFrameBytes)
	}
	if c.Limits.MessageRateLimit != 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}

	if c.History.Capacity != 0 {
		cfg.HistoryCapacity = c.History.Capacity
	}
	if c.History.RecentCount != 0 {
		cfg.RecentCount = c.History.RecentCount
	}

	if c.Connection.PingIntervalSeconds != 0 {
		cfg.PingInterval = time.Duration(c.Connection.PingIntervalSeconds) * time.Second
	}
	if c.Connection.PongTimeoutSeconds != 0 {
		cfg.PongTimeout = time.Duration(c.Connection.PongTimeoutSeconds) * time.Second
	}
	if c.Connection.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Connection.WriteTimeoutSeconds) * time.Second
	}

	return cfg
}

// ApplyEnv overrides settings from JWT_SECRET, PORT and DATABASE_PATH.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.HTTPPort = port
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret must not be empty"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("send queue size must be positive"))
	}
	if c.RecentCount < 0 {
		errs = append(errs, errors.New("recent count must not be negative"))
	}
	if c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval {
		errs = append(errs, fmt.Errorf("ping interval %v must be positive and shorter than pong timeout %v",
			c.PingInterval, c.PongTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	return errors.Join(errs...)
}

// UsesDefaultSecret reports whether the development JWT secret is in use.
func (c *ServerConfig) UsesDefaultSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

// ResolvedDatabasePath returns the database path with ~ expanded
func (c *ServerConfig) ResolvedDatabasePath() (string, error) {
	return expandHome(c.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
