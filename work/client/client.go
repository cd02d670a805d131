package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/utils"

	"go.uber.org/ratelimit"
)

// maxTextBody bounds how much of a buffered-text response is read. Landing
// pages and playlists are small; anything past this is not a page we want.
const maxTextBody = 4 * 1024 * 1024

// UpstreamClient issues outbound requests with a browser-like header set,
// a per-request cookie jar, a bounded timeout and redirect following. All
// outbound traffic is paced through a shared rate limiter.
type UpstreamClient struct {
	config    *config.Config
	transport *http.Transport
	limiter   ratelimit.Limiter
}

// StatusError reports a non-2xx upstream response. It maps to 502 at the
// gateway boundary.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d for %s", e.Code, e.URL)
}

// TextResponse is the outcome of a buffered-text fetch.
type TextResponse struct {
	Body        string
	ContentType string
	FinalURL    *url.URL // effective URL after redirects
}

// New creates an UpstreamClient from config. The transport is shared across
// requests; the http.Client is rebuilt per request so each carries its own
// throwaway cookie jar.
func New(cfg *config.Config) *UpstreamClient {
	return &UpstreamClient{
		config: cfg,
		transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
		},
		limiter: ratelimit.New(cfg.OutboundRate),
	}
}

func (uc *UpstreamClient) httpClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: uc.transport,
		Jar:       jar,
		Timeout:   uc.config.UpstreamTimeout,
	}
}

func (uc *UpstreamClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", uc.config.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")

	if uc.config.ReqOrigin != "" {
		req.Header.Set("Origin", uc.config.ReqOrigin)
	}
	if uc.config.ReqReferrer != "" {
		req.Header.Set("Referer", uc.config.ReqReferrer)
	}
}

// FetchText performs a buffered GET, returning the body as text along with
// the content type and the effective URL after redirects. Non-2xx responses
// fail with a *StatusError and the body is discarded.
func (uc *UpstreamClient) FetchText(ctx context.Context, rawURL string, jar http.CookieJar) (*TextResponse, error) {
	resp, err := uc.do(ctx, rawURL, jar)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxTextBody))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBody))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body for %s: %w", utils.LogURL(uc.config, rawURL), err)
	}

	finalURL := resp.Request.URL
	logger.Debug("{client - FetchText} %d bytes from %s (final: %s)", len(body), utils.LogURL(uc.config, rawURL), utils.LogURL(uc.config, finalURL.String()))

	return &TextResponse{
		Body:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    finalURL,
	}, nil
}

// FetchStream performs a GET and hands back the live response for streaming.
// The caller owns the body and must close it; cancelling ctx tears the
// transfer down mid-read. Non-2xx responses are drained, closed and returned
// as a *StatusError.
func (uc *UpstreamClient) FetchStream(ctx context.Context, rawURL string, jar http.CookieJar) (*http.Response, error) {
	resp, err := uc.do(ctx, rawURL, jar)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxTextBody))
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	return resp, nil
}

func (uc *UpstreamClient) do(ctx context.Context, rawURL string, jar http.CookieJar) (*http.Response, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("refusing non-http url: %q", rawURL)
	}

	uc.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", utils.LogURL(uc.config, rawURL), err)
	}
	uc.setHeaders(req)

	resp, err := uc.httpClient(jar).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", utils.LogURL(uc.config, rawURL), err)
	}
	return resp, nil
}
