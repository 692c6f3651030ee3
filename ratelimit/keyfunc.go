package ratelimit

import (
	"net"
	"strings"
)

// ClientIP 取得全域限流使用的 key。
// trustProxy 為 true 時依序採用 X-Forwarded-For 第一個位址、X-Real-IP，最後才是連線位址。
func ClientIP(remoteAddr, forwardedFor, realIP string, trustProxy bool) string {
	if trustProxy {
		if forwardedFor != "" {
			first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
			if first != "" {
				return first
			}
		}
		if ip := strings.TrimSpace(realIP); ip != "" {
			return ip
		}
	}

	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}
