package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client address for rate limiting and
// audit records. trustProxy must only be enabled behind a reverse proxy the
// operator controls; with it off, forwarding headers are ignored entirely and
// the socket peer address is used.
//
// X-Forwarded-For reads "client, proxy1, proxy2, ...": each hop appends the
// peer it saw, so only the rightmost trustedProxyCount entries are
// trustworthy. The client is the entry just left of those.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return hostFromRemoteAddr(r.RemoteAddr)
}

func clientFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	// A zero count means one trusted hop, the proxy directly in front of
	// us. Shorter lists than expected degrade to the leftmost entry.
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	clientIP := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// hostFromRemoteAddr strips the port from a direct connection's peer
// address. Unparseable addresses are returned as-is.
func hostFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
