// Package export provides the formats a session log can be saved in.
package export

import (
	"fmt"
	"net"
	"net/netip"

	"firestige.xyz/inspector/internal/store"
)

const (
	FormatText   = "text"
	FormatPcap   = "pcap"
	FormatBadger = "badger"
)

// Formats lists the supported export formats.
var Formats = []string{FormatText, FormatPcap, FormatBadger}

// Endpoints are the client and upstream addresses of a session. The pcap
// exporter uses them to synthesize TCP headers.
type Endpoints struct {
	Client   netip.AddrPort
	Upstream netip.AddrPort
}

// EndpointsOf converts socket addresses into Endpoints. Addresses that are
// not IP endpoints are left zero.
func EndpointsOf(client, upstream net.Addr) Endpoints {
	return Endpoints{Client: addrPort(client), Upstream: addrPort(upstream)}
}

func addrPort(a net.Addr) netip.AddrPort {
	if a == nil {
		return netip.AddrPort{}
	}
	var ap netip.AddrPort
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap = tcp.AddrPort()
	} else {
		ap, _ = netip.ParseAddrPort(a.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// New returns the exporter for format.
func New(format string, ep Endpoints) (store.Exporter, error) {
	switch format {
	case "", FormatText:
		return store.TextExporter{}, nil
	case FormatPcap:
		return NewPcapExporter(ep), nil
	case FormatBadger:
		return BadgerExporter{}, nil
	default:
		return nil, fmt.Errorf("export: unsupported format %q", format)
	}
}
