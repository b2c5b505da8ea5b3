// Package proxy forwards everything the bridge does not own to the
// application under test: plain HTTP through Reverse, websocket upgrades
// through a Tunneler.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUpstreamUnavailable means the application under test could not be reached.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Target is the upstream base URL every forwarded path is appended to.
type Target struct {
	base *url.URL
}

// ParseTarget validates an http(s) base URL such as "http://localhost:8080/app".
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse upstream %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return Target{}, fmt.Errorf("upstream %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("upstream %q: missing host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return Target{base: u}, nil
}

func (t Target) String() string { return t.base.String() }

// HTTP returns the upstream URL for an inbound request URL: base path joined
// with the request path, inbound query kept.
func (t Target) HTTP(in *url.URL) *url.URL {
	out := *t.base
	out.Path, out.RawPath = joinPath(t.base, in)
	out.RawQuery = in.RawQuery
	return &out
}

// WebSocket is HTTP with the scheme switched to ws or wss.
func (t Target) WebSocket(in *url.URL) *url.URL {
	out := t.HTTP(in)
	if out.Scheme == "https" {
		out.Scheme = "wss"
	} else {
		out.Scheme = "ws"
	}
	return out
}

func joinPath(base, in *url.URL) (path, rawPath string) {
	basePath := strings.TrimSuffix(base.EscapedPath(), "/")
	reqPath := in.EscapedPath()
	if !strings.HasPrefix(reqPath, "/") {
		reqPath = "/" + reqPath
	}
	joined := basePath + reqPath
	p, err := url.PathUnescape(joined)
	if err != nil {
		return base.Path + in.Path, ""
	}
	if (&url.URL{Path: p}).EscapedPath() == joined {
		return p, ""
	}
	return p, joined
}
