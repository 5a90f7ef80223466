package export

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/store"
)

const (
	pcapSnapLen = 65536
	// maxSegment keeps every synthesized packet under the IPv4 total length limit.
	maxSegment = 65000
)

var (
	clientMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	upstreamMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	defaultClient   = netip.MustParseAddrPort("127.0.0.1:50000")
	defaultUpstream = netip.MustParseAddrPort("127.0.0.1:25565")
)

// PcapExporter writes the log as Ethernet/IP/TCP packets so it can be opened
// in packet analyzers. Inbound frames flow client → upstream, outbound frames
// the other way. Sequence numbers advance per direction so TCP reassembly in
// the analyzer sees one contiguous stream each way.
type PcapExporter struct {
	ep Endpoints
}

// NewPcapExporter returns an exporter for a session between ep's addresses.
// Missing addresses are replaced by loopback placeholders.
func NewPcapExporter(ep Endpoints) *PcapExporter {
	if !ep.Client.IsValid() {
		ep.Client = defaultClient
	}
	if !ep.Upstream.IsValid() {
		ep.Upstream = defaultUpstream
	}
	ep.Client = netip.AddrPortFrom(ep.Client.Addr().Unmap(), ep.Client.Port())
	ep.Upstream = netip.AddrPortFrom(ep.Upstream.Addr().Unmap(), ep.Upstream.Port())
	return &PcapExporter{ep: ep}
}

func (e *PcapExporter) Export(path string, packets []store.Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pcap: create %s: %w", path, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	seq := map[core.Direction]uint32{core.Inbound: 1, core.Outbound: 1}
	for _, p := range packets {
		for off := 0; off < len(p.Raw) || off == 0; off += maxSegment {
			end := min(off+maxSegment, len(p.Raw))
			segment := p.Raw[off:end]

			data, err := e.serialize(p.Direction, seq[p.Direction], seq[p.Direction.Reverse()], segment)
			if err != nil {
				return fmt.Errorf("pcap: packet %d: %w", p.ID, err)
			}
			ci := gopacket.CaptureInfo{
				Timestamp:     p.CreatedAt,
				CaptureLength: len(data),
				Length:        len(data),
			}
			if err := w.WritePacket(ci, data); err != nil {
				return fmt.Errorf("pcap: write packet %d: %w", p.ID, err)
			}
			seq[p.Direction] += uint32(len(segment))
			if end == len(p.Raw) {
				break
			}
		}
	}
	return f.Sync()
}

func (e *PcapExporter) serialize(dir core.Direction, seq, ack uint32, payload []byte) ([]byte, error) {
	src, dst := e.ep.Client, e.ep.Upstream
	srcMAC, dstMAC := clientMAC, upstreamMAC
	if dir == core.Outbound {
		src, dst = dst, src
		srcMAC, dstMAC = dstMAC, srcMAC
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		Ack:     ack,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if src.Addr().Is4() && dst.Addr().Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		network, ipLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		s16, d16 := src.Addr().As16(), dst.Addr().As16()
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(s16[:]),
			DstIP:      net.IP(d16[:]),
		}
		network, ipLayer = ip, ip
	}
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ipLayer, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
