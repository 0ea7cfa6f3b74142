package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the client address a request originated from.
//
// With trustProxy off, the direct peer address is the answer. With it on, the
// forwarding headers are consulted, and trustedProxyCount fixes how many
// entries at the right end of X-Forwarded-For belong to infrastructure we
// control. Everything left of those entries is client-supplied and may be
// forged, so the client IP is taken immediately left of the trusted suffix.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peerIP(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// chain. The header reads left to right from client to proxies, so with n
// trusted proxies the client sits at position len-n-1. A zero proxy count is
// treated as one, the proxy that set the header.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")

	trusted := trustedProxyCount
	if trusted == 0 {
		trusted = 1
	}
	idx := len(entries) - trusted - 1
	if idx < 0 {
		idx = 0
	}

	return validIP(strings.TrimSpace(entries[idx]))
}

// validIP returns s when it parses as an IP address, empty otherwise.
// Header values are attacker-reachable and must never pass through unparsed.
func validIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// peerIP strips the port from a RemoteAddr.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
