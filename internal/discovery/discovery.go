// Package discovery advertises the build service over mDNS and finds it from
// the CLI.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServiceName = "_webforge._tcp"
	DefaultDomain      = "local."
	DefaultInstance    = "webforge"

	healthTimeout = 2 * time.Second
)

var ErrNoServiceFound = errors.New("no build service found")

type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

// Endpoint is a reachable build service. Mode and Version come from the TXT
// record and are empty for peers that do not publish them.
type Endpoint struct {
	URL      string
	Instance string
	HostName string
	Port     int
	Mode     string
	Version  string
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

// Probe decides whether a discovered endpoint is usable.
type Probe func(ctx context.Context, ep Endpoint) bool

func Discover(ctx context.Context, service, domain string, probe Probe) (Endpoint, error) {
	return DiscoverWithBrowser(ctx, NewMDBrowser(), service, domain, probe)
}

// DiscoverWithBrowser returns the first endpoint that resolves to an address
// and passes probe. A nil probe accepts every endpoint.
func DiscoverWithBrowser(ctx context.Context, browser Browser, service, domain string, probe Probe) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	service, domain = normalize(service, domain)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- browser.Browse(scanCtx, service, domain, entries)
	}()

	seen := map[string]struct{}{}
	for {
		select {
		case <-scanCtx.Done():
			if errors.Is(scanCtx.Err(), context.DeadlineExceeded) || errors.Is(scanCtx.Err(), context.Canceled) {
				return Endpoint{}, fmt.Errorf("discover %s: %w", service, ErrNoServiceFound)
			}
			return Endpoint{}, scanCtx.Err()
		case err := <-errCh:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse %s: %w", service, err)
			}
			// Some browsers return once the query is sent; keep reading.
			errCh = nil
		case entry := <-entries:
			ep, ok := EndpointFromEntry(entry)
			if !ok {
				continue
			}
			if _, dup := seen[ep.URL]; dup {
				continue
			}
			seen[ep.URL] = struct{}{}
			if probe != nil && !probe(scanCtx, ep) {
				continue
			}
			return ep, nil
		}
	}
}

func EndpointFromEntry(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	ip := pickIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	txt := ParseText(entry.Text)
	return Endpoint{
		URL:      "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Mode:     txt["mode"],
		Version:  txt["version"],
	}, true
}

// ParseText splits key=value TXT strings. Entries without '=' are kept as
// keys with an empty value.
func ParseText(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// HealthProbe reports whether ep answers GET /health with status "healthy".
func HealthProbe(client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, ep Endpoint) bool {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.URL, "/")+"/health", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Status == "healthy"
	}
}

func ParseListenPort(listenAddr string) (int, error) {
	trimmed := strings.TrimSpace(listenAddr)
	if trimmed == "" {
		return 0, errors.New("listen address is required")
	}
	_, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return port, nil
}

func normalize(service, domain string) (string, string) {
	service = strings.TrimSpace(service)
	domain = strings.TrimSpace(domain)
	if service == "" {
		service = DefaultServiceName
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return service, domain
}

// pickIP prefers routable addresses, then IPv4 over IPv6.
func pickIP(ipv4 []net.IP, ipv6 []net.IP) net.IP {
	for _, group := range [][]net.IP{ipv4, ipv6} {
		for _, ip := range group {
			if usableIP(ip) && !ip.IsLoopback() {
				return ip
			}
		}
	}
	for _, group := range [][]net.IP{ipv4, ipv6} {
		for _, ip := range group {
			if usableIP(ip) {
				return ip
			}
		}
	}
	return nil
}

func usableIP(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}
