package httpx

import (
	"net"
	"net/http"
	"strings"
)

// IsWebSocketUpgrade reports whether r asks to switch to the websocket protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// AugmentXFF appends clientIP to X-Forwarded-For, creating the header when absent.
func AugmentXFF(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

// RemoteIP extracts the IP portion of the request's remote address.
func RemoteIP(r *http.Request) string {
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}

// forwardedOnDial lists request headers worth carrying to an upstream websocket
// handshake. Sec-WebSocket-* and hop-by-hop headers are owned by the dialer.
var forwardedOnDial = []string{"Cookie", "Authorization", "Origin", "User-Agent", "Accept-Language"}

// DialHeaders builds the header set for an upstream websocket handshake on behalf of r.
func DialHeaders(r *http.Request) http.Header {
	out := http.Header{}
	for _, name := range forwardedOnDial {
		for _, v := range r.Header.Values(name) {
			out.Add(name, v)
		}
	}
	for _, v := range r.Header.Values("X-Forwarded-For") {
		out.Add("X-Forwarded-For", v)
	}
	AugmentXFF(out, RemoteIP(r))
	return out
}
