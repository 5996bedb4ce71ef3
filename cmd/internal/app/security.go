package app

import (
	"errors"
	"net"
	"strings"
)

// ValidateSecurityConfig enforces parlor's deployment policy at startup.
//
// Fail-fast: dev-only switches must not reach a publicly bound listener.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.WS.DevInsecure && !isLoopbackAddr(cfg.HTTPAddr) {
		return errors.New("security policy: PARLOR_WS_DEV_INSECURE=true requires a loopback PARLOR_HTTP_ADDR")
	}
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return errors.New("security policy: PARLOR_CORS_ALLOW_CREDENTIALS=true cannot be combined with origin \"*\"")
			}
		}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
