package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default configuration values (production)
const (
	DefaultRelayURL = "wss://relay.peerdock.dev/ws"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "" // Optional, empty by default
	DefaultTURNUser = ""
	DefaultTURNPass = ""

	// Protocol timing defaults. The settle delay is how long a freshly
	// joined participant waits for the presence view to converge before
	// reconciling it against the membership table.
	DefaultSettleDelay   = 2 * time.Second
	DefaultDialTimeout   = 30 * time.Second
	DefaultRedialBackoff = 1 * time.Second
)

// Config holds application configuration
type Config struct {
	// RelayURL is the websocket endpoint of the relay server
	RelayURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Protocol timing
	SettleDelay   time.Duration
	DialTimeout   time.Duration
	RedialBackoff time.Duration
}

// Options for loading config with CLI flag overrides
type Options struct {
	RelayURL   string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// resolve applies the precedence chain: CLI flag > env > default.
func resolve(flagValue, envKey, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func resolveDuration(envKey string, fallback time.Duration) time.Duration {
	v := os.Getenv(envKey)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	return &Config{
		RelayURL:   resolve(opts.RelayURL, "PEERDOCK_RELAY_URL", DefaultRelayURL),
		STUNServer: resolve(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer: resolve(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:   resolve(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser),
		TURNPass:   resolve(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass),
		ForceRelay: opts.ForceRelay || os.Getenv("FORCE_RELAY") == "1",

		SettleDelay:   resolveDuration("PEERDOCK_SETTLE_DELAY", DefaultSettleDelay),
		DialTimeout:   resolveDuration("PEERDOCK_DIAL_TIMEOUT", DefaultDialTimeout),
		RedialBackoff: resolveDuration("PEERDOCK_REDIAL_BACKOFF", DefaultRedialBackoff),
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
