package client

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Account    AccountSection    `toml:"account"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	Server                string `toml:"server"`
	AutoReconnect         bool   `toml:"auto_reconnect"`
	ReconnectDelaySeconds int    `toml:"reconnect_delay_seconds"`
}

type AccountSection struct {
	Username string `toml:"username"`
}

type UISection struct {
	ShowTimestamps  bool   `toml:"show_timestamps"`
	TimestampFormat string `toml:"timestamp_format"` // Go time layout
	Notify          bool   `toml:"notify"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultTOMLConfig returns the default client configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			Server:                "http://localhost:3001",
			AutoReconnect:         true,
			ReconnectDelaySeconds: 5,
		},
		UI: UISection{
			ShowTimestamps:  true,
			TimestampFormat: "15:04",
		},
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/chatrelay/client.toml.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatrelay", "client.toml")
	}
	return "~/.config/chatrelay/client.toml"
}

// LoadClientConfig loads configuration from a TOML file, creating it with
// defaults when missing.
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		config := DefaultTOMLConfig()
		// unwritable config dirs are not fatal, the defaults still work
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := config.Validate(); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}
	return config, nil
}

var lineNumberRe = regexp.MustCompile(`line (\d+)`)

func extractLineNumber(errMsg string) int {
	matches := lineNumberRe.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// Validate checks the configuration values.
func (c *TOMLConfig) Validate() error {
	var errs []error

	if _, err := ServerURL(c.Connection.Server); err != nil {
		errs = append(errs, err)
	}
	if c.Connection.ReconnectDelaySeconds < 0 {
		errs = append(errs, errors.New("reconnect_delay_seconds cannot be negative"))
	}
	return errors.Join(errs...)
}

// ServerURL parses the http(s) base URL of a relay. A bare host:port is
// treated as http.
func ServerURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("server address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# chatrelay client configuration
# Auto-generated with default values, changes take effect on next start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
