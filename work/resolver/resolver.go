package resolver

import (
	"context"
	"errors"
	"net/url"
	"time"

	"streamgate/work/cache"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/cookies"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"
)

// streamInputField is the id/name of the hidden input the upstream player
// page stores its playlist URL in.
const streamInputField = "stream_url"

// ErrStreamNotFound reports that the landing page (and any embedded player
// frame) was fetched successfully but no stream URL could be extracted.
var ErrStreamNotFound = errors.New("no stream url found on landing page")

// Resolver derives a playable stream URL plus session cookies from the
// upstream landing page for an event. It performs network calls only; it
// never touches the session cache (the coordinator owns that).
type Resolver struct {
	config *config.Config
	client *client.UpstreamClient
}

// New creates a Resolver using the given upstream client.
func New(cfg *config.Config, upstream *client.UpstreamClient) *Resolver {
	return &Resolver{config: cfg, client: upstream}
}

// Resolve fetches the landing page for eventID, extracts the stream URL and
// snapshots the session cookies accumulated along the way.
//
// Extraction preference:
//  1. the designated input field on the landing page,
//  2. the first iframe: followed to its page, field lookup there, then a
//     playlist-URL regex over the frame body,
//  3. a playlist-URL regex over the original landing page body.
//
// The first non-empty candidate wins and is normalized against the last
// effective response URL, so protocol-relative and relative forms come out
// absolute.
func (r *Resolver) Resolve(ctx context.Context, eventID string) (*cache.SessionMeta, error) {
	landingURL := r.config.LandingURL(eventID)
	jar := cookies.NewJar()

	logger.Debug("{resolver - Resolve} event %s: fetching landing page %s", eventID, utils.LogURL(r.config, landingURL))

	landing, err := r.client.FetchText(ctx, landingURL, jar)
	if err != nil {
		metrics.SessionResolutions.WithLabelValues("upstream_error").Inc()
		metrics.UpstreamErrors.WithLabelValues("resolve").Inc()
		return nil, err
	}

	// baseURL tracks the effective URL of the last page fetched; candidates
	// are resolved against it.
	baseURL := landing.FinalURL
	candidate := extractInputValue(landing.Body, streamInputField)

	if candidate == "" {
		if frameSrc := extractIframeSrc(landing.Body); frameSrc != "" {
			frameURL := resolveRef(baseURL, frameSrc)
			if frameURL != "" {
				logger.Debug("{resolver - Resolve} event %s: following iframe %s", eventID, utils.LogURL(r.config, frameURL))
				frame, err := r.client.FetchText(ctx, frameURL, jar)
				if err != nil {
					metrics.SessionResolutions.WithLabelValues("upstream_error").Inc()
					metrics.UpstreamErrors.WithLabelValues("resolve").Inc()
					return nil, err
				}
				baseURL = frame.FinalURL
				candidate = extractInputValue(frame.Body, streamInputField)
				if candidate == "" {
					candidate = extractPattern(frame.Body)
				}
			}
		}
	}

	if candidate == "" {
		candidate = extractPattern(landing.Body)
		if candidate != "" {
			// matched on the original page, so normalize against it
			baseURL = landing.FinalURL
		}
	}

	if candidate == "" {
		metrics.SessionResolutions.WithLabelValues("not_found").Inc()
		logger.Warn("{resolver - Resolve} event %s: no stream url in landing page or frame", eventID)
		return nil, ErrStreamNotFound
	}

	streamURL := resolveRef(baseURL, candidate)
	if streamURL == "" {
		metrics.SessionResolutions.WithLabelValues("not_found").Inc()
		return nil, ErrStreamNotFound
	}

	landingParsed, err := url.Parse(landingURL)
	if err != nil {
		return nil, err
	}
	snapshot := cookies.Snapshot(jar, landingParsed)

	metrics.SessionResolutions.WithLabelValues("resolved").Inc()
	logger.Debug("{resolver - Resolve} event %s: resolved %s with %d cookies", eventID, utils.LogURL(r.config, streamURL), len(snapshot))

	return &cache.SessionMeta{
		EventID:   eventID,
		StreamURL: streamURL,
		Cookies:   snapshot,
		CreatedAt: time.Now(),
	}, nil
}

// resolveRef resolves ref (absolute, protocol-relative or relative) against
// base and returns the absolute URL string, or "" when ref is unusable.
func resolveRef(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return ""
	}
	return parsed.String()
}
