package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// guard enforces the optional IP allowlist and shared token on intake and
// artifact routes. Unset settings disable the corresponding check.
type guard struct {
	token      []byte
	header     string
	restricted bool
	allowed    []netip.Prefix
}

func newGuard(token, header string, allowlist []string) *guard {
	g := &guard{header: header, restricted: len(allowlist) > 0}
	if t := strings.TrimSpace(token); t != "" {
		g.token = []byte(t)
	}
	for _, entry := range allowlist {
		if p, ok := parseAllowEntry(entry); ok {
			g.allowed = append(g.allowed, p)
		}
	}
	return g
}

func (g *guard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.checkRemote(r.RemoteAddr); err != nil {
			writeJSON(w, http.StatusForbidden, validationError{Error: err.Error()})
			return
		}
		if g.token != nil {
			provided := []byte(strings.TrimSpace(r.Header.Get(g.header)))
			if subtle.ConstantTimeCompare(provided, g.token) != 1 {
				writeJSON(w, http.StatusUnauthorized, validationError{Error: "invalid token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *guard) checkRemote(remoteAddr string) error {
	if !g.restricted {
		return nil
	}
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return fmt.Errorf("parse remote addr: %w", err)
	}
	ip := ap.Addr().Unmap().WithZone("")
	for _, p := range g.allowed {
		if p.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("remote ip %s is not allowed", ip)
}

// parseAllowEntry accepts a CIDR or a bare address.
func parseAllowEntry(entry string) (netip.Prefix, bool) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}
