package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamgate/work/logger"
)

// Config holds all application configuration values for the stream-relay
// gateway. It covers the upstream provider endpoint, session and content
// cache sizing, outbound request identity, and concurrency limits.
type Config struct {
	Port                int           `json:"port"`                // HTTP listen port
	UpstreamBase        string        `json:"upstreamBase"`        // Scheme+host of the upstream provider
	LandingPath         string        `json:"landingPath"`         // Landing page path template, {id} replaced by the event id
	UserAgent           string        `json:"userAgent"`           // User-Agent sent on all outbound requests
	ReqReferrer         string        `json:"reqReferrer"`         // Referer header for outbound requests
	ReqOrigin           string        `json:"reqOrigin"`           // Origin header for outbound requests
	SessionTTL          time.Duration `json:"sessionTTL"`          // Lifetime of a resolved session
	SessionCacheMax     int           `json:"sessionCacheMax"`     // Maximum resolved sessions held at once
	PlaylistTTL         time.Duration `json:"playlistTTL"`         // Content cache TTL for playlist text
	SegmentTTL          time.Duration `json:"segmentTTL"`          // Content cache TTL for binary segments
	ContentCacheMax     int           `json:"contentCacheMax"`     // Maximum content cache entries
	MaxCacheablePayload int64         `json:"maxCacheablePayload"` // Largest segment payload kept in the content cache, bytes
	MaxInflightFetches  int           `json:"maxInflightFetches"`  // Cap on concurrent upstream fetches
	OutboundRate        int           `json:"outboundRate"`        // Outbound requests per second to the upstream
	UpstreamTimeout     time.Duration `json:"upstreamTimeout"`     // Per-request upstream timeout
	WorkerThreads       int           `json:"workerThreads"`       // Background worker pool size
	KeepaliveInterval   time.Duration `json:"keepaliveInterval"`   // Self-ping interval, 0 disables
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate upstream URLs in logs
	LogLevel            string        `json:"logLevel"`            // DEBUG, INFO, WARN or ERROR
}

// ConfigFile is the JSON file shape. Duration fields are strings
// (e.g. "90s", "4s") parsed into time.Duration values.
type ConfigFile struct {
	Port                int    `json:"port"`
	UpstreamBase        string `json:"upstreamBase"`
	LandingPath         string `json:"landingPath"`
	UserAgent           string `json:"userAgent"`
	ReqReferrer         string `json:"reqReferrer"`
	ReqOrigin           string `json:"reqOrigin"`
	SessionTTL          string `json:"sessionTTL"`
	SessionCacheMax     int    `json:"sessionCacheMax"`
	PlaylistTTL         string `json:"playlistTTL"`
	SegmentTTL          string `json:"segmentTTL"`
	ContentCacheMax     int    `json:"contentCacheMax"`
	MaxCacheablePayload int64  `json:"maxCacheablePayload"`
	MaxInflightFetches  int    `json:"maxInflightFetches"`
	OutboundRate        int    `json:"outboundRate"`
	UpstreamTimeout     string `json:"upstreamTimeout"`
	WorkerThreads       int    `json:"workerThreads"`
	KeepaliveInterval   string `json:"keepaliveInterval"`
	ObfuscateUrls       bool   `json:"obfuscateUrls"`
	LogLevel            string `json:"logLevel"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads the configuration, cached after the first call.
//
// Process:
//   - Reads the JSON file at STREAMGATE_CONFIG (default /settings/config.json).
//   - Falls back to defaults when the file is missing or invalid.
//   - Applies STREAMGATE_TTL / STREAMGATE_PORT / STREAMGATE_USER_AGENT /
//     STREAMGATE_UPSTREAM env overrides.
//   - Validates and fills safe defaults for anything unset.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("STREAMGATE_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		logger.Warn("{config - LoadConfig} Failed to load config from %s: %v, using defaults", configPath, err)
		config = &Config{}
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)

	configCache = config
	return config
}

// ClearConfigCache resets the cached config so the next LoadConfig call
// reloads everything. Used by tests.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Port:                cf.Port,
		UpstreamBase:        cf.UpstreamBase,
		LandingPath:         cf.LandingPath,
		UserAgent:           cf.UserAgent,
		ReqReferrer:         cf.ReqReferrer,
		ReqOrigin:           cf.ReqOrigin,
		SessionCacheMax:     cf.SessionCacheMax,
		ContentCacheMax:     cf.ContentCacheMax,
		MaxCacheablePayload: cf.MaxCacheablePayload,
		MaxInflightFetches:  cf.MaxInflightFetches,
		OutboundRate:        cf.OutboundRate,
		WorkerThreads:       cf.WorkerThreads,
		ObfuscateUrls:       cf.ObfuscateUrls,
		LogLevel:            cf.LogLevel,
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.SessionTTL, &config.SessionTTL, "sessionTTL"},
		{cf.PlaylistTTL, &config.PlaylistTTL, "playlistTTL"},
		{cf.SegmentTTL, &config.SegmentTTL, "segmentTTL"},
		{cf.UpstreamTimeout, &config.UpstreamTimeout, "upstreamTimeout"},
		{cf.KeepaliveInterval, &config.KeepaliveInterval, "keepaliveInterval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// applyEnvOverrides applies the documented environment overrides on top of
// whatever the file provided.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("STREAMGATE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			config.SessionTTL = time.Duration(secs) * time.Second
		} else {
			logger.Warn("{config - applyEnvOverrides} Ignoring invalid STREAMGATE_TTL: %q", v)
		}
	}
	if v := os.Getenv("STREAMGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			config.Port = port
		} else {
			logger.Warn("{config - applyEnvOverrides} Ignoring invalid STREAMGATE_PORT: %q", v)
		}
	}
	if v := os.Getenv("STREAMGATE_USER_AGENT"); v != "" {
		config.UserAgent = v
	}
	if v := os.Getenv("STREAMGATE_UPSTREAM"); v != "" {
		config.UpstreamBase = v
	}
}

// validateAndSetDefaults ensures every config value is usable, filling in
// defaults for missing or invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = 8080
	}
	if config.UpstreamBase == "" {
		config.UpstreamBase = "https://live.upstream.example"
	}
	if config.LandingPath == "" {
		config.LandingPath = "/embed/{id}"
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 90 * time.Second
	}
	if config.SessionCacheMax <= 0 {
		config.SessionCacheMax = 200
	}
	if config.PlaylistTTL <= 0 {
		config.PlaylistTTL = 4 * time.Second
	}
	if config.SegmentTTL <= 0 {
		config.SegmentTTL = 60 * time.Second
	}
	if config.ContentCacheMax <= 0 {
		config.ContentCacheMax = 500
	}
	if config.MaxCacheablePayload <= 0 {
		config.MaxCacheablePayload = 4 * 1024 * 1024
	}
	if config.MaxInflightFetches <= 0 {
		config.MaxInflightFetches = 64
	}
	if config.OutboundRate <= 0 {
		config.OutboundRate = 20
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 30 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.KeepaliveInterval < 0 {
		config.KeepaliveInterval = 0
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
}

// LandingURL builds the upstream landing page URL for an event id from the
// configured base and path template.
func (c *Config) LandingURL(eventID string) string {
	path := c.LandingPath
	if path == "" {
		path = "/embed/{id}"
	}
	return c.UpstreamBase + strings.ReplaceAll(path, "{id}", eventID)
}
