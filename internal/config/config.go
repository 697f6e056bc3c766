// Package config is the flag+env configuration loader (§6 "Configuration").
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the ywsd daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	StoreDSN string // Postgres connection string for the store gateway

	CacheBackend string // "memory" or "redis"
	CacheAddr    string // redis address, ignored for "memory"
	CacheDB      int
	CacheTTL     time.Duration

	RequestTimeout     time.Duration
	MaxForwardDepth    int
	MaxConcurrentCalls int64

	LocalHomeServerID  int64
	HomeServerContacts string // comma-separated "id=addr" pairs (numeric home-server id)
	OutboundGateway    string

	ControlChannelAddr string // TCP listen address for the call.route protocol
	DiagnosticAddr     string // HTTP listen address for /stage1, /metrics, /healthz
	CORSOrigins        string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultCacheBackend       = "memory"
	defaultCacheTTL           = time.Minute
	defaultRequestTimeout     = 5 * time.Second
	defaultMaxForwardDepth    = 16
	defaultMaxConcurrentCalls = 64
	defaultControlChannelAddr = ":6160"
	defaultDiagnosticAddr     = ":8080"
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
)

// envPrefix is the prefix for all ywsd environment variables.
const envPrefix = "YWSD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ywsd", flag.ContinueOnError)

	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "Postgres DSN for the store gateway")
	fs.StringVar(&cfg.CacheBackend, "cache-backend", defaultCacheBackend, "cache backend: memory or redis")
	fs.StringVar(&cfg.CacheAddr, "cache-addr", "", "redis address (host:port), used when cache-backend=redis")
	fs.IntVar(&cfg.CacheDB, "cache-db", 0, "redis logical database index")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", defaultCacheTTL, "TTL applied to every cached routing result")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultRequestTimeout, "per-request deadline for a call.route request")
	fs.IntVar(&cfg.MaxForwardDepth, "max-forward-depth", defaultMaxForwardDepth, "maximum ENABLED-forward chain depth before FORWARD_LOOP")
	fs.Int64Var(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrentCalls, "maximum calls in DISCOVERING/GENERATING/CACHING at once")
	fs.Int64Var(&cfg.LocalHomeServerID, "local-home-server-id", 0, "home server id this process serves directly")
	fs.StringVar(&cfg.HomeServerContacts, "home-server-contacts", "", "comma-separated id=addr pairs mapping remote home-server ids to SIP contact addresses")
	fs.StringVar(&cfg.OutboundGateway, "outbound-gateway", "", "SIP target host for EXTERNAL (dial-out) extensions")
	fs.StringVar(&cfg.ControlChannelAddr, "control-channel-addr", defaultControlChannelAddr, "TCP listen address for the call.route control channel")
	fs.StringVar(&cfg.DiagnosticAddr, "diagnostic-addr", defaultDiagnosticAddr, "HTTP listen address for the diagnostic endpoint")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins for the diagnostic endpoint (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"store-dsn":             envPrefix + "STORE_DSN",
		"cache-backend":         envPrefix + "CACHE_BACKEND",
		"cache-addr":            envPrefix + "CACHE_ADDR",
		"cache-db":              envPrefix + "CACHE_DB",
		"cache-ttl":             envPrefix + "CACHE_TTL",
		"request-timeout":       envPrefix + "REQUEST_TIMEOUT",
		"max-forward-depth":     envPrefix + "MAX_FORWARD_DEPTH",
		"max-concurrent-calls":  envPrefix + "MAX_CONCURRENT_CALLS",
		"local-home-server-id":  envPrefix + "LOCAL_HOME_SERVER_ID",
		"home-server-contacts":  envPrefix + "HOME_SERVER_CONTACTS",
		"outbound-gateway":      envPrefix + "OUTBOUND_GATEWAY",
		"control-channel-addr":  envPrefix + "CONTROL_CHANNEL_ADDR",
		"diagnostic-addr":       envPrefix + "DIAGNOSTIC_ADDR",
		"cors-origins":          envPrefix + "CORS_ORIGINS",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "store-dsn":
			cfg.StoreDSN = val
		case "cache-backend":
			cfg.CacheBackend = val
		case "cache-addr":
			cfg.CacheAddr = val
		case "cache-db":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CacheDB = v
			}
		case "cache-ttl":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CacheTTL = v
			}
		case "request-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RequestTimeout = v
			}
		case "max-forward-depth":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxForwardDepth = v
			}
		case "max-concurrent-calls":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.MaxConcurrentCalls = v
			}
		case "local-home-server-id":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.LocalHomeServerID = v
			}
		case "home-server-contacts":
			cfg.HomeServerContacts = val
		case "outbound-gateway":
			cfg.OutboundGateway = val
		case "control-channel-addr":
			cfg.ControlChannelAddr = val
		case "diagnostic-addr":
			cfg.DiagnosticAddr = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("store-dsn is required")
	}

	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.CacheAddr == "" {
			return fmt.Errorf("cache-addr is required when cache-backend=redis")
		}
	default:
		return fmt.Errorf("cache-backend must be one of memory, redis; got %q", c.CacheBackend)
	}

	if c.MaxForwardDepth < 1 {
		return fmt.Errorf("max-forward-depth must be at least 1, got %d", c.MaxForwardDepth)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if _, err := c.ParseHomeServerContacts(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ParseHomeServerContacts parses the comma-separated "id=addr" pairs of
// HomeServerContacts into a home-server-id -> SIP contact address map, for
// the generator to redirect calls destined for a remote home server (§3,
// §4.4's remote-home-server leaf case).
func (c *Config) ParseHomeServerContacts() (map[int64]string, error) {
	out := make(map[int64]string)
	raw := strings.TrimSpace(c.HomeServerContacts)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("home-server-contacts entry %q must be id=addr", pair)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("home-server-contacts entry %q: invalid home-server id: %w", pair, err)
		}
		out[id] = strings.TrimSpace(parts[1])
	}
	return out, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
