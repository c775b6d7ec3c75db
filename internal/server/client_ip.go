package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver decides which address identifies a caller. Forwarding
// headers are only believed when every peer is trusted or the peer falls in
// a trusted proxy range.
type clientIPResolver struct {
	trustAll bool
	proxies  []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		resolver.proxies = append(resolver.proxies, network)
	}
	return resolver, nil
}

func (c *clientIPResolver) trusts(peer string) bool {
	if c.trustAll {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, network := range c.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIPFromRequest returns the caller address and where it came from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, string) {
	peer := remoteHost(r.RemoteAddr)
	if c == nil || !c.trusts(peer) {
		return peer, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first, ipSourceXForwardedFor
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP, ipSourceXRealIP
	}
	return peer, ipSourceRemoteAddr
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
