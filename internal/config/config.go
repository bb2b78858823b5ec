// Package config provides TOML configuration file loading for the gateway.
// The configuration file lives at ~/.chatgate/config.toml by default, but can
// be overridden with the --config flag. CLI flags always take precedence over
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the gateway configuration file structure.
// Field names map to snake_case keys in TOML files via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP and WebSocket server.
	// Default: 127.0.0.1:7080
	Addr string `toml:"addr"`

	// DBPath is the path to the SQLite database holding sessions, users
	// and notifications.
	// Default: ~/.chatgate/chatgate.db
	DBPath string `toml:"db_path"`

	// LogFile redirects log output when set. Empty logs to stderr.
	LogFile string `toml:"log_file"`

	// LoopbackOnly restricts the JSON API to loopback clients. The
	// WebSocket endpoint is not affected.
	// Default: true
	LoopbackOnly *bool `toml:"loopback_only"`

	// TLS serves HTTPS and WSS instead of plain HTTP.
	// Default: false
	TLS bool `toml:"tls"`

	// TLSCert and TLSKey locate the certificate used with TLS. A
	// self-signed pair is generated when either file is missing.
	// Default: ~/.chatgate/certs/gateway.crt and gateway.key
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// MDNS advertises the gateway on the local network as _chatgate._tcp.
	// Only useful when Addr is reachable from the LAN.
	// Default: false
	MDNS bool `toml:"mdns"`

	// MDNSName is the advertised instance name.
	// Default: the hostname
	MDNSName string `toml:"mdns_name"`

	// SettleDelayMs is the wait between establishing a transport and the
	// first pairing-code request.
	// Default: 10000
	SettleDelayMs int `toml:"settle_delay_ms"`

	// PairingRetryDelayMs is the delay between pairing retries.
	// Default: 5000
	PairingRetryDelayMs int `toml:"pairing_retry_delay_ms"`

	// PairingReadyRetries bounds how long the pairing loop waits for the
	// transport to become ready.
	// Default: 15
	PairingReadyRetries int `toml:"pairing_ready_retries"`

	// PairingErrorRetries bounds how often a failing pairing request is
	// retried.
	// Default: 3
	PairingErrorRetries int `toml:"pairing_error_retries"`

	// ReconnectDelayMs is the delay before a lost connection is
	// re-established.
	// Default: 5000
	ReconnectDelayMs int `toml:"reconnect_delay_ms"`

	// ReconnectRetries bounds reconnects of a session whose connection
	// keeps failing before it opens. Logged out sessions never reconnect.
	// Default: 5
	ReconnectRetries int `toml:"reconnect_retries"`

	// ConnectRatePerMinute limits connect requests per session on the API.
	// Default: 30
	ConnectRatePerMinute int `toml:"connect_rate_per_minute"`

	// SimReadyDelayMs is how long simulated transports take to become ready.
	// Default: 2000
	SimReadyDelayMs int `toml:"sim_ready_delay_ms"`

	// SimOpenDelayMs is how long after a pairing code or QR login the
	// simulated connection opens. 0 means it never opens on its own.
	// Default: 0
	SimOpenDelayMs int `toml:"sim_open_delay_ms"`
}

// DefaultConfigPath returns the default config file location: ~/.chatgate/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns the default database location: ~/.chatgate/chatgate.db.
func DefaultDBPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatgate.db"), nil
}

// DefaultDir returns ~/.chatgate.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chatgate"), nil
}

// WriteDefault creates a config file with the default settings at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# chatgate configuration

# Listen address for the API and the /ws subscription endpoint
addr = %q

# Only accept API calls from this machine
loopback_only = true

# Serve HTTPS/WSS with a self-signed certificate unless tls_cert/tls_key exist
tls = false

# Advertise the gateway on the LAN over mDNS (_chatgate._tcp)
mdns = false

# Pairing loop tuning
settle_delay_ms = %d
pairing_retry_delay_ms = %d
pairing_ready_retries = %d
pairing_error_retries = %d

# Reconnects after a lost connection
reconnect_delay_ms = %d
reconnect_retries = %d

# Per-session connect requests allowed per minute
connect_rate_per_minute = %d
`, DefaultAddr, DefaultSettleDelayMs, DefaultPairingRetryDelayMs,
		DefaultPairingReadyRetries, DefaultPairingErrorRetries,
		DefaultReconnectDelayMs, DefaultReconnectRetries, DefaultConnectRatePerMinute)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.chatgate/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Defaults are not applied; call ApplyDefaults after merging CLI flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in config file %s", undecoded[0].String(), path)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = path
	}
	if c.LoopbackOnly == nil {
		loopback := true
		c.LoopbackOnly = &loopback
	}
	if c.SettleDelayMs <= 0 {
		c.SettleDelayMs = DefaultSettleDelayMs
	}
	if c.PairingRetryDelayMs <= 0 {
		c.PairingRetryDelayMs = DefaultPairingRetryDelayMs
	}
	if c.PairingReadyRetries <= 0 {
		c.PairingReadyRetries = DefaultPairingReadyRetries
	}
	if c.PairingErrorRetries <= 0 {
		c.PairingErrorRetries = DefaultPairingErrorRetries
	}
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	if c.ReconnectRetries <= 0 {
		c.ReconnectRetries = DefaultReconnectRetries
	}
	if c.ConnectRatePerMinute <= 0 {
		c.ConnectRatePerMinute = DefaultConnectRatePerMinute
	}
	if c.SimReadyDelayMs <= 0 {
		c.SimReadyDelayMs = DefaultSimReadyDelayMs
	}
	if c.SimOpenDelayMs < 0 {
		c.SimOpenDelayMs = 0
	}
	return nil
}

// SettleDelay returns SettleDelayMs as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// PairingRetryDelay returns PairingRetryDelayMs as a duration.
func (c *Config) PairingRetryDelay() time.Duration {
	return time.Duration(c.PairingRetryDelayMs) * time.Millisecond
}

// ReconnectDelay returns ReconnectDelayMs as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// SimReadyDelay returns SimReadyDelayMs as a duration.
func (c *Config) SimReadyDelay() time.Duration {
	return time.Duration(c.SimReadyDelayMs) * time.Millisecond
}

// SimOpenDelay returns SimOpenDelayMs as a duration.
func (c *Config) SimOpenDelay() time.Duration {
	return time.Duration(c.SimOpenDelayMs) * time.Millisecond
}
