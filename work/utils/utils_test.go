package utils

import (
	"testing"

	"streamgate/work/config"
)

func TestObfuscateURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://example.com/secret/stream.m3u8?token=abc", "http://example.com/***?***"},
		{"https://example.com", "https://example.com"},
		{"https://example.com/", "https://example.com"},
		{"https://example.com/path#frag", "https://example.com/***#***"},
		{"", ""},
		{"://bad", "***OBFUSCATED***"},
	}
	for _, tc := range cases {
		if got := ObfuscateURL(tc.in); got != tc.want {
			t.Errorf("ObfuscateURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogURLRespectsConfig(t *testing.T) {
	raw := "http://example.com/secret?token=abc"

	if got := LogURL(&config.Config{ObfuscateUrls: false}, raw); got != raw {
		t.Errorf("plain logging should pass through, got %q", got)
	}
	if got := LogURL(&config.Config{ObfuscateUrls: true}, raw); got == raw {
		t.Error("obfuscated logging leaked the full url")
	}
}
