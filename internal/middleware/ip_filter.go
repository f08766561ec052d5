package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// GatewayIPFilter restricts the callback route to the payment gateway's
// published source addresses. Entries may be single IPs or CIDR ranges. An
// empty allowlist admits everything, which is only sensible in sandbox.
func GatewayIPFilter(allowed []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := realIP(r)

			if !ipAllowed(clientIP, allowed) {
				logger.Warn().Str("client_ip", clientIP).Msg("callback from unlisted source rejected")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the originating client.
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}

func ipAllowed(clientIP string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil && ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(entry); allowedIP != nil && ip.Equal(allowedIP) {
			return true
		}
	}

	return false
}
