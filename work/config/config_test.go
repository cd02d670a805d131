package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadWith(t *testing.T, env map[string]string, fileJSON string) *Config {
	t.Helper()
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	if fileJSON != "" {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(fileJSON), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("STREAMGATE_CONFIG", path)
	} else {
		t.Setenv("STREAMGATE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	return LoadConfig()
}

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg := loadWith(t, nil, "")

	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.PlaylistTTL != 4*time.Second {
		t.Errorf("playlist ttl = %s", cfg.PlaylistTTL)
	}
	if cfg.SessionCacheMax != 200 || cfg.ContentCacheMax != 500 {
		t.Errorf("cache bounds = %d / %d", cfg.SessionCacheMax, cfg.ContentCacheMax)
	}
	if cfg.MaxInflightFetches != 64 {
		t.Errorf("inflight cap = %d", cfg.MaxInflightFetches)
	}
	if cfg.UserAgent == "" {
		t.Error("user agent should default to a browser string")
	}
}

func TestFileValuesAndDurationParsing(t *testing.T) {
	cfg := loadWith(t, nil, `{
		"port": 9000,
		"upstreamBase": "https://up.example.com",
		"landingPath": "/watch/{id}",
		"sessionTTL": "2m",
		"playlistTTL": "6s",
		"upstreamTimeout": "15s"
	}`)

	if cfg.Port != 9000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.SessionTTL != 2*time.Minute {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.PlaylistTTL != 6*time.Second {
		t.Errorf("playlist ttl = %s", cfg.PlaylistTTL)
	}
	if cfg.UpstreamTimeout != 15*time.Second {
		t.Errorf("upstream timeout = %s", cfg.UpstreamTimeout)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	cfg := loadWith(t, map[string]string{
		"STREAMGATE_TTL":        "45",
		"STREAMGATE_PORT":       "9999",
		"STREAMGATE_USER_AGENT": "custom-agent",
		"STREAMGATE_UPSTREAM":   "https://env.example.com",
	}, `{"port": 9000, "sessionTTL": "2m", "upstreamBase": "https://file.example.com"}`)

	if cfg.SessionTTL != 45*time.Second {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.Port != 9999 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.UserAgent != "custom-agent" {
		t.Errorf("user agent = %q", cfg.UserAgent)
	}
	if cfg.UpstreamBase != "https://env.example.com" {
		t.Errorf("upstream base = %q", cfg.UpstreamBase)
	}
}

func TestInvalidEnvOverridesIgnored(t *testing.T) {
	cfg := loadWith(t, map[string]string{
		"STREAMGATE_TTL":  "-5",
		"STREAMGATE_PORT": "not-a-port",
	}, "")

	if cfg.SessionTTL != 90*time.Second {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestLandingURL(t *testing.T) {
	cfg := &Config{
		UpstreamBase: "https://up.example.com",
		LandingPath:  "/watch/{id}",
	}
	if got := cfg.LandingURL("123"); got != "https://up.example.com/watch/123" {
		t.Errorf("landing url = %q", got)
	}

	cfg.LandingPath = ""
	if got := cfg.LandingURL("7"); got != "https://up.example.com/embed/7" {
		t.Errorf("default landing url = %q", got)
	}
}
