package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of the web telemetry endpoint.
	Service = "_goscope._tcp"
	domain  = "local."
)

// Host represents a discovered telemetry endpoint.
type Host struct {
	Instance  string // Advertised name: "goscope on bench"
	Hostname  string // DNS hostname: "bench.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URL returns an http URL for the first address of h, or "" when none was
// resolved.
func (h Host) URL() string {
	if len(h.Addresses) == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(h.Addresses[0].String(), fmt.Sprint(h.Port)))
}

// Announce registers instance on port until ctx is canceled. The returned
// channel is closed once the registration has been withdrawn.
func Announce(ctx context.Context, instance string, port int, txt []string) (<-chan struct{}, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	server, err := zeroconf.Register(instance, Service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register error: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		server.Shutdown()
	}()
	return done, nil
}

// Discover performs a blocking mDNS browse for telemetry endpoints and
// returns deduplicated hosts sorted by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Host)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				found[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Host, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
