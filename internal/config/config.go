// Package config loads and persists the medcall configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/petervdpas/medcall/internal/util"
)

type Config struct {
	Store   Store   `json:"store"`
	Gateway Gateway `json:"gateway"`
	Call    Call    `json:"call"`
}

type Store struct {
	// Dir is the directory holding the local SQLite signaling database.
	Dir string `json:"dir"`
	// GatewayURL, when set, makes clients use the remote websocket store at
	// this URL instead of the local database. Example: "ws://host:8790/ws".
	GatewayURL string `json:"gateway_url"`
}

type Gateway struct {
	// Bind address for `medcall serve`. Default "127.0.0.1:8790".
	Bind string `json:"bind"`
}

type Call struct {
	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string `json:"ice_servers"`

	// HandshakeTimeoutSec bounds how long an agent waits in AwaitingOffer or
	// AwaitingAnswer before giving up and cancelling the session. 0 disables.
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`

	// Bounded retry for signaling writes during transient store outages.
	RetryAttempts int `json:"retry_attempts"`
	RetryBaseMs   int `json:"retry_base_ms"`

	// ChatHistory caps the locally buffered chat messages per call.
	ChatHistory int `json:"chat_history"`

	// Capture resolution caps. 0 means no preference.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	c := &Config{}
	c.EnsureDefaults()
	return c
}

// EnsureDefaults fills every zero field with its default value.
func (c *Config) EnsureDefaults() {
	if c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Gateway.Bind == "" {
		c.Gateway.Bind = "127.0.0.1:8790"
	}
	if len(c.Call.ICEServers) == 0 {
		c.Call.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Call.HandshakeTimeoutSec == 0 {
		c.Call.HandshakeTimeoutSec = 120
	}
	if c.Call.RetryAttempts == 0 {
		c.Call.RetryAttempts = 5
	}
	if c.Call.RetryBaseMs == 0 {
		c.Call.RetryBaseMs = 250
	}
	if c.Call.ChatHistory == 0 {
		c.Call.ChatHistory = 500
	}
	if c.Call.MaxWidth == 0 {
		c.Call.MaxWidth = 640
	}
	if c.Call.MaxHeight == 0 {
		c.Call.MaxHeight = 480
	}
}

// HandshakeTimeout returns the timeout as a duration, 0 when disabled.
func (c *Call) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutSec < 0 {
		return 0
	}
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// Load reads the config at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.EnsureDefaults()
	return &c, nil
}

// Save writes the config to path, creating parent directories if needed.
func Save(path string, c *Config) error {
	return util.WriteJSONFile(path, c)
}
