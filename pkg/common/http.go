package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the trimmed release version embedded at build time.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent on every outbound request made by HTTPClient.
func UserAgent() string {
	return "Enlighten/" + Version()
}

// headerTransport sets fixed headers on a clone of every request. Headers the
// caller already set are left alone, except User-Agent.
type headerTransport struct {
	next    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if k != "User-Agent" && req.Header.Get(k) != "" {
			continue
		}
		req.Header[k] = vs
	}
	return t.next.RoundTrip(req)
}

// HTTPClient returns a client with the given overall timeout that identifies
// itself with UserAgent and asks for JSON unless told otherwise.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			next: http.DefaultTransport,
			headers: http.Header{
				"User-Agent": {UserAgent()},
				"Accept":     {"application/json"},
			},
		},
		Timeout: timeout,
	}
}
