package api

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's address: the first X-Forwarded-For hop,
// then X-Real-IP, then the host part of the peer address. Header values
// that are empty or "unknown" are skipped.
func ClientIP(r *http.Request) string {
	if ip := forwardedHop(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	if ip := forwardedHop(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedHop(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "unknown") {
		return ""
	}
	return v
}
