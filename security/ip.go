package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from a request. X-Forwarded-For and
// X-Real-IP are only consulted when trustProxy is set; otherwise the
// direct connection address is used. trustedProxyCount is the number of
// proxies in front of this server, counted from the right of the
// X-Forwarded-For list, which is what prevents spoofing in multi-proxy
// setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the client IP out of an X-Forwarded-For list.
// The header reads "client, proxy1, proxy2, ..." with our own trusted
// proxies rightmost, so the client sits at len(ips)-trustedProxyCount-1.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	clientIP := strings.TrimSpace(ips[calculateClientIPIndex(len(ips), trustedProxyCount)])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// calculateClientIPIndex returns the index of the client IP in the
// X-Forwarded-For list, assuming one trusted proxy when the count is
// unset and clamping to the leftmost entry when the list is short.
func calculateClientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	clientIndex := numIPs - proxyCount - 1
	if clientIndex < 0 {
		return 0
	}
	return clientIndex
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
