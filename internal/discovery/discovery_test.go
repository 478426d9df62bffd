package discovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestEndpointFromEntry_PrefersNonLoopbackIPv4(t *testing.T) {
	entry := ServiceEntry{
		Instance: "webforge",
		HostName: "host.local.",
		Port:     8080,
		IPv4:     []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("192.168.1.10")},
		IPv6:     []net.IP{net.ParseIP("::1")},
		Text:     []string{"mode=local", "version=dev"},
	}
	ep, ok := EndpointFromEntry(entry)
	if !ok {
		t.Fatalf("expected endpoint")
	}
	if ep.URL != "http://192.168.1.10:8080" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
	if ep.Mode != "local" || ep.Version != "dev" {
		t.Fatalf("unexpected txt fields: %+v", ep)
	}
}

func TestEndpointFromEntry_UsesBracketedIPv6(t *testing.T) {
	ep, ok := EndpointFromEntry(ServiceEntry{Port: 8080, IPv6: []net.IP{net.ParseIP("fd00::10")}})
	if !ok {
		t.Fatalf("expected endpoint")
	}
	if ep.URL != "http://[fd00::10]:8080" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestEndpointFromEntry_InvalidEntry(t *testing.T) {
	if _, ok := EndpointFromEntry(ServiceEntry{Port: 0}); ok {
		t.Fatalf("expected invalid endpoint")
	}
	if _, ok := EndpointFromEntry(ServiceEntry{Port: 8080}); ok {
		t.Fatalf("expected invalid endpoint without IP")
	}
	if _, ok := EndpointFromEntry(ServiceEntry{Port: 8080, IPv4: []net.IP{net.IPv4zero}}); ok {
		t.Fatalf("expected unspecified address to be skipped")
	}
}

func TestParseText(t *testing.T) {
	got := ParseText([]string{"Mode=hosted", "flag", "=orphan", " version = 1.2 "})
	want := map[string]string{"mode": "hosted", "flag": "", "version": "1.2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseText = %v, want %v", got, want)
	}
}

func TestAnnouncementText(t *testing.T) {
	got := Announcement{Mode: "local", Version: "v1"}.Text()
	want := []string{"health=/health", "mode=local", "path=/build", "version=v1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Text = %v, want %v", got, want)
	}
}

func TestParseListenPort(t *testing.T) {
	port, err := ParseListenPort(":8080")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if port != 8080 {
		t.Fatalf("expected 8080, got %d", port)
	}
	for _, bad := range []string{"", "8080", ":http", ":0", ":70000"} {
		if _, err := ParseListenPort(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDiscoverWithBrowser_FindsEndpoint(t *testing.T) {
	fb := &fakeBrowser{entries: []ServiceEntry{{
		Instance: "webforge",
		Port:     8080,
		IPv4:     []net.IP{net.ParseIP("10.0.0.5")},
	}}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ep, err := DiscoverWithBrowser(ctx, fb, DefaultServiceName, DefaultDomain, nil)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if ep.URL != "http://10.0.0.5:8080" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestDiscoverWithBrowser_NoResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := DiscoverWithBrowser(ctx, &fakeBrowser{}, DefaultServiceName, DefaultDomain, nil)
	if !errors.Is(err, ErrNoServiceFound) {
		t.Fatalf("expected ErrNoServiceFound, got %v", err)
	}
}

func TestDiscoverWithBrowser_BrowseError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := DiscoverWithBrowser(ctx, &fakeBrowser{err: errors.New("boom")}, DefaultServiceName, DefaultDomain, nil)
	if err == nil || errors.Is(err, ErrNoServiceFound) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestDiscoverWithBrowser_BrowseReturnsImmediatelyStillFindsEntry(t *testing.T) {
	fb := &fakeBrowser{
		asyncEntries: []ServiceEntry{{Port: 8080, IPv4: []net.IP{net.ParseIP("10.0.0.11")}}},
		asyncDelay:   10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ep, err := DiscoverWithBrowser(ctx, fb, DefaultServiceName, DefaultDomain, nil)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if ep.URL != "http://10.0.0.11:8080" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestDiscoverWithBrowser_SkipsEndpointsFailingProbe(t *testing.T) {
	fb := &fakeBrowser{entries: []ServiceEntry{
		{Port: 8080, IPv4: []net.IP{net.ParseIP("10.0.0.1")}},
		{Port: 8080, IPv4: []net.IP{net.ParseIP("10.0.0.1")}},
		{Port: 8080, IPv4: []net.IP{net.ParseIP("10.0.0.2")}},
	}}
	probed := 0
	probe := func(_ context.Context, ep Endpoint) bool {
		probed++
		return ep.URL == "http://10.0.0.2:8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ep, err := DiscoverWithBrowser(ctx, fb, "", "", probe)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if ep.URL != "http://10.0.0.2:8080" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
	if probed != 2 {
		t.Fatalf("expected duplicate endpoint to be probed once, probed %d times", probed)
	}
}

func TestHealthProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer healthy.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer other.Close()

	probe := HealthProbe(nil)
	if !probe(context.Background(), Endpoint{URL: healthy.URL}) {
		t.Fatalf("expected healthy endpoint to pass")
	}
	if probe(context.Background(), Endpoint{URL: other.URL}) {
		t.Fatalf("expected foreign service to fail")
	}
	if probe(context.Background(), Endpoint{URL: "http://127.0.0.1:" + strconv.Itoa(1)}) {
		t.Fatalf("expected unreachable endpoint to fail")
	}
}

type fakeBrowser struct {
	entries      []ServiceEntry
	asyncEntries []ServiceEntry
	asyncDelay   time.Duration
	err          error
}

func (f *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if f.err != nil {
		return f.err
	}
	for _, entry := range f.entries {
		select {
		case <-ctx.Done():
			return nil
		case entries <- entry:
		}
	}
	if len(f.asyncEntries) > 0 {
		go func() {
			timer := time.NewTimer(f.asyncDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			for _, entry := range f.asyncEntries {
				select {
				case <-ctx.Done():
					return
				case entries <- entry:
				}
			}
		}()
		return nil
	}
	<-ctx.Done()
	return nil
}
