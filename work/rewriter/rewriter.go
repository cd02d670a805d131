package rewriter

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// PlaylistKind classifies rewritable playlist text.
type PlaylistKind int

const (
	KindUnknown PlaylistKind = iota
	KindMaster
	KindMedia
)

// Rewrite routes every URI line of an HLS playlist back through the gateway.
// Each non-comment, non-blank line is resolved against baseURL and replaced
// with /live/<eventID>/seg?url=<escaped absolute URL>. Comment and blank
// lines pass through byte-identical; lines that fail to resolve are left
// unchanged.
func Rewrite(text string, baseURL *url.URL, eventID string) string {
	var out bytes.Buffer
	out.Grow(len(text) + len(text)/2)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i > 0 {
			out.WriteByte('\n')
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out.WriteString(line)
			continue
		}
		out.WriteString(rewriteLine(line, trimmed, baseURL, eventID))
	}
	return out.String()
}

func rewriteLine(original, trimmed string, baseURL *url.URL, eventID string) string {
	ref, err := url.Parse(trimmed)
	if err != nil {
		return original
	}

	abs := ref
	if baseURL != nil {
		abs = baseURL.ResolveReference(ref)
	}
	if !abs.IsAbs() || abs.Host == "" {
		return original
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return original
	}

	return "/live/" + eventID + "/seg?url=" + url.QueryEscape(abs.String())
}

// IsPlaylist reports whether a response looks like HLS playlist text, judged
// by URL extension first and content type second. Segment payloads routed
// through the gateway that turn out to be nested playlists get rewritten
// instead of piped raw.
func IsPlaylist(rawURL, contentType string) bool {
	if u, err := url.Parse(rawURL); err == nil {
		if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
			return true
		}
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "application/x-mpegurl")
}

// Classify decodes playlist text and reports whether it is a master or media
// playlist. Undecodable text is KindUnknown.
func Classify(text string) PlaylistKind {
	_, listType, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return KindUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return KindMaster
	case m3u8.MEDIA:
		return KindMedia
	default:
		return KindUnknown
	}
}
