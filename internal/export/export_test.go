package export

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/store"
)

func samplePackets() []store.Packet {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []store.Packet{
		{ID: 0, Direction: core.Inbound, Kind: 0x00, Name: "Handshake", Raw: []byte{0x03, 0x00, 0x01, 0x02}, CreatedAt: ts},
		{ID: 1, Direction: core.Outbound, Kind: 0x26, Name: "KeepAlive", Raw: []byte{0x02, 0x26, 0x07}, CreatedAt: ts.Add(time.Millisecond)},
		{ID: 2, Direction: core.Inbound, Kind: 0x15, Name: "KeepAlive", Raw: []byte{0x02, 0x15, 0x07}, CreatedAt: ts.Add(2 * time.Millisecond)},
	}
}

func TestNew(t *testing.T) {
	for _, f := range Formats {
		e, err := New(f, Endpoints{})
		require.NoError(t, err, f)
		assert.NotNil(t, e)
	}
	e, err := New("", Endpoints{})
	require.NoError(t, err)
	assert.IsType(t, store.TextExporter{}, e)

	_, err = New("csv", Endpoints{})
	assert.Error(t, err)
}

func TestPcapExport(t *testing.T) {
	ep := Endpoints{
		Client:   netip.MustParseAddrPort("10.0.0.5:51234"),
		Upstream: netip.MustParseAddrPort("10.0.0.9:25565"),
	}
	path := filepath.Join(t.TempDir(), "session.pcap")
	require.NoError(t, NewPcapExporter(ep).Export(path, samplePackets()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	var got []gopacket.Packet
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		got = append(got, gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
	}
	require.Len(t, got, 3)

	first := got[0]
	tcp, ok := first.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.Equal(t, layers.TCPPort(51234), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(25565), tcp.DstPort)
	assert.Equal(t, uint32(1), tcp.Seq)
	assert.Equal(t, []byte{0x03, 0x00, 0x01, 0x02}, tcp.Payload)

	reply := got[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, layers.TCPPort(25565), reply.SrcPort)
	ip := got[1].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "10.0.0.9", ip.SrcIP.String())

	// second inbound segment continues the client sequence space
	next := got[2].Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, uint32(5), next.Seq)
}

func TestPcapExportSplitsLargeFrames(t *testing.T) {
	big := store.Packet{Direction: core.Outbound, Name: "Chunk", Raw: make([]byte, maxSegment+10), CreatedAt: time.Now()}
	path := filepath.Join(t.TempDir(), "big.pcap")
	require.NoError(t, NewPcapExporter(Endpoints{}).Export(path, []store.Packet{big}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	n := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestBadgerExportRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	want := samplePackets()
	want[1].Selected = true

	require.NoError(t, BadgerExporter{}.Export(dir, want))

	got, err := LoadBadger(dir)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Direction, got[i].Direction)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Raw, got[i].Raw)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
		assert.False(t, got[i].Selected)
	}
}

func TestKeyOrder(t *testing.T) {
	assert.Less(t, string(Key(9)), string(Key(10)))
}

func TestEndpointsOf(t *testing.T) {
	client := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 40000}
	upstream := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 25565}

	ep := EndpointsOf(client, upstream)
	assert.Equal(t, "10.0.0.5:40000", ep.Client.String())
	assert.Equal(t, "192.168.1.2:25565", ep.Upstream.String())

	a, _ := net.Pipe()
	defer a.Close()
	ep = EndpointsOf(a.LocalAddr(), nil)
	assert.False(t, ep.Client.IsValid())
	assert.False(t, ep.Upstream.IsValid())
}
