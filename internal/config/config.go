package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Default configuration values
const (
	DefaultRelayAddr    = ":8080"
	DefaultSignalingURL = "ws://localhost:8080/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
)

// Config holds application configuration
type Config struct {
	// SignalingURLs are the relay endpoints every room connects to
	SignalingURLs []string

	// Password derives the room key; empty means payloads travel in the clear
	Password string

	// RedisAddr, when set, shares leadership and the local bus across
	// processes through Redis
	RedisAddr string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// RelayAddr is the listen address of `warpmesh serve`
	RelayAddr string
}

// Options for loading config with CLI flag overrides
type Options struct {
	SignalingURLs []string
	Password      string
	RedisAddr     string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	ForceRelay    bool
	RelayAddr     string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	urls := opts.SignalingURLs
	if len(urls) == 0 {
		urls = splitList(os.Getenv("SIGNALING_URLS"))
	}
	if len(urls) == 0 {
		urls = []string{DefaultSignalingURL}
	}
	for _, u := range urls {
		if err := validateSignalingURL(u); err != nil {
			return nil, err
		}
	}

	forceRelay := opts.ForceRelay
	if !forceRelay {
		forceRelay, _ = strconv.ParseBool(os.Getenv("FORCE_RELAY"))
	}

	cfg := &Config{
		SignalingURLs: dedupe(urls),
		Password:      pick(opts.Password, os.Getenv("ROOM_PASSWORD"), ""),
		RedisAddr:     pick(opts.RedisAddr, os.Getenv("REDIS_ADDR"), ""),
		STUNServer:    pick(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, os.Getenv("TURN_SERVER"), ""),
		TURNUser:      pick(opts.TURNUser, os.Getenv("TURN_USERNAME"), ""),
		TURNPass:      pick(opts.TURNPass, os.Getenv("TURN_PASSWORD"), ""),
		ForceRelay:    forceRelay,
		RelayAddr:     pick(opts.RelayAddr, os.Getenv("RELAY_ADDR"), DefaultRelayAddr),
	}

	if cfg.ForceRelay && cfg.TURNServer == "" {
		return nil, fmt.Errorf("relay-only mode requires a TURN server")
	}
	return cfg, nil
}

// pick returns the first non-empty value: flag, env, default.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if env != "" {
		return env
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signaling URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid signaling URL %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid signaling URL %q: missing host", raw)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
