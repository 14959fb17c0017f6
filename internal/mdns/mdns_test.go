package mdns

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestCleanInstance(t *testing.T) {
	if got := cleanInstance(`goscope\ on\ bench`); got != "goscope on bench" {
		t.Fatalf("got %q", got)
	}
}

func TestHostFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry(`goscope\ on\ bench`, Service, domain)
	e.HostName = "bench.local."
	e.Port = 8080
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.Text = []string{"source=mock"}

	h := hostFromEntry(e)
	if h.Instance != "goscope on bench" || len(h.Addresses) != 2 || h.TXT[0] != "source=mock" {
		t.Fatalf("unexpected host %+v", h)
	}
	if got := h.URL(); got != "http://192.168.1.20:8080" {
		t.Fatalf("unexpected url %q", got)
	}
	if (Host{Port: 1}).URL() != "" {
		t.Fatalf("host without address must have empty url")
	}
}

func TestAnnounceRejectsInvalidPort(t *testing.T) {
	if _, err := Announce(context.Background(), "x", 0, nil); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
