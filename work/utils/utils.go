package utils

import (
	"net/url"

	"streamgate/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL masks the path, query and fragment of a URL, keeping only
// scheme and host. Upstream URLs carry session tokens and must not land in
// logs verbatim.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
