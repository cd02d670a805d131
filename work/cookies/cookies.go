package cookies

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
)

// The gateway never shares a live cookie jar across concurrent call chains.
// A jar exists for the duration of one resolution attempt or one downstream
// fetch; what survives is the snapshot, an ordered list of "name=value"
// strings captured against the landing page URL.

// NewJar returns a fresh, empty cookie jar for a single resolution attempt.
func NewJar() http.CookieJar {
	jar, _ := cookiejar.New(nil)
	return jar
}

// Snapshot renders the jar's cookies matching u as an ordered sequence of
// serialized "name=value" strings. Order follows the jar's own cookie
// ordering (path length, then creation time), which is also the order a
// browser would send them in.
func Snapshot(jar http.CookieJar, u *url.URL) []string {
	if jar == nil || u == nil {
		return nil
	}
	list := jar.Cookies(u)
	out := make([]string, 0, len(list))
	for _, c := range list {
		if c.Name == "" {
			continue
		}
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}

// Hydrate builds a throwaway jar pre-loaded with a cookie snapshot, scoped
// to the given target URL. Each downstream fetch gets its own hydrated jar;
// the snapshot itself is never mutated.
func Hydrate(snapshot []string, scope *url.URL) http.CookieJar {
	jar, _ := cookiejar.New(nil)
	if scope == nil || len(snapshot) == 0 {
		return jar
	}
	parsed := make([]*http.Cookie, 0, len(snapshot))
	for _, raw := range snapshot {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			continue
		}
		parsed = append(parsed, &http.Cookie{Name: name, Value: value})
	}
	jar.SetCookies(scope, parsed)
	return jar
}
