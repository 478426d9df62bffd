package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

type MDBrowser struct {
	ifaces []net.Interface
}

func NewMDBrowser() *MDBrowser {
	return &MDBrowser{ifaces: upInterfaces()}
}

func (b *MDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	service, domain = normalize(service, domain)

	raw := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-raw:
				if !ok || entry == nil {
					return
				}
				converted := ServiceEntry{
					Instance: entry.Instance,
					HostName: entry.HostName,
					Port:     entry.Port,
					IPv4:     copyIPs(entry.AddrIPv4),
					IPv6:     copyIPs(entry.AddrIPv6),
					Text:     append([]string(nil), entry.Text...),
				}
				select {
				case <-ctx.Done():
					return
				case entries <- converted:
				}
			}
		}
	}()

	if len(b.ifaces) > 0 {
		return zeroconf.Browse(ctx, service, domain, raw, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, service, domain, raw)
}

// Announcement describes what the server publishes.
type Announcement struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Mode     string
	Version  string
}

// Text renders the TXT record in a stable order.
func (a Announcement) Text() []string {
	kv := map[string]string{
		"path":   "/build",
		"health": "/health",
	}
	if a.Mode != "" {
		kv["mode"] = a.Mode
	}
	if a.Version != "" {
		kv["version"] = a.Version
	}
	out := make([]string, 0, len(kv))
	for k, v := range kv {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type Advertiser struct {
	server *zeroconf.Server
}

func StartAdvertiser(a Announcement) (*Advertiser, error) {
	a.Service, a.Domain = normalize(a.Service, a.Domain)
	if strings.TrimSpace(a.Instance) == "" {
		a.Instance = DefaultInstance
	}
	if a.Port <= 0 || a.Port > 65535 {
		return nil, fmt.Errorf("invalid advertise port: %d", a.Port)
	}

	server, err := zeroconf.Register(a.Instance, a.Service, a.Domain, a.Port, a.Text(), upInterfaces())
	if err != nil {
		return nil, fmt.Errorf("start mdns advertiser: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func copyIPs(in []net.IP) []net.IP {
	if len(in) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(in))
	for _, ip := range in {
		if ip == nil {
			continue
		}
		dup := make(net.IP, len(ip))
		copy(dup, ip)
		out = append(out, dup)
	}
	return out
}

// upInterfaces returns the non-loopback interfaces that are up, or nil to let
// zeroconf pick.
func upInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
