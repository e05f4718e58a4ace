package capture

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildBPFFilter_IncludesAllPorts(t *testing.T) {
	filter := BuildBPFFilter([]uint16{80, 8080, 9000})
	assert.Equal(t, "tcp and (port 80 or port 8080 or port 9000)", filter)
}

func TestIsPreferredName(t *testing.T) {
	assert.True(t, isPreferredName("veth1234"))
	assert.True(t, isPreferredName("eth0"))
	assert.True(t, isPreferredName("enp0s3"))
	assert.True(t, isPreferredName("docker0"))
	assert.True(t, isPreferredName("br-abcdef"))
	assert.True(t, isPreferredName("cni0"))
	assert.False(t, isPreferredName("wlan0"))
	assert.False(t, isPreferredName("tun0"))
}

type fakeIngester struct {
	srcIP, dstIP     string
	srcPort, dstPort uint16
	payload          []byte
	calls            int
}

func (f *fakeIngester) Ingest(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte, ts time.Time) {
	f.calls++
	f.srcIP, f.srcPort, f.dstIP, f.dstPort = srcIP, srcPort, dstIP, dstPort
	f.payload = append([]byte(nil), payload...)
}

type countingCounter struct{ n int }

func (c *countingCounter) IncPacketsCaptured() { c.n++ }

func buildTCPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		PSH:     true,
		ACK:     true,
		Seq:     1,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestProcessPacket_IngestsTCPPayload(t *testing.T) {
	ingester := &fakeIngester{}
	counter := &countingCounter{}
	s := NewSource([]string{"eth0"}, DefaultPorts, ingester, counter, zap.NewNop())

	packet := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 54321, 80, []byte("GET / HTTP/1.1\r\n\r\n"))
	s.processPacket("eth0", packet)

	require.Equal(t, 1, ingester.calls)
	assert.Equal(t, "10.0.0.1", ingester.srcIP)
	assert.Equal(t, "10.0.0.2", ingester.dstIP)
	assert.Equal(t, uint16(54321), ingester.srcPort)
	assert.Equal(t, uint16(80), ingester.dstPort)
	assert.Equal(t, []byte("GET / HTTP/1.1\r\n\r\n"), ingester.payload)
	assert.Equal(t, 1, counter.n)
}

func TestProcessPacket_SkipsEmptyPayload(t *testing.T) {
	ingester := &fakeIngester{}
	s := NewSource([]string{"eth0"}, DefaultPorts, ingester, nil, zap.NewNop())

	packet := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 54321, 80, nil)
	s.processPacket("eth0", packet)

	assert.Zero(t, ingester.calls)
}

func TestProcessPacket_RecoversFromPanicInIngest(t *testing.T) {
	s := NewSource([]string{"eth0"}, DefaultPorts, panicIngester{}, nil, zap.NewNop())
	packet := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 1, 80, []byte("x"))

	assert.NotPanics(t, func() {
		s.processPacket("eth0", packet)
	})
}

type panicIngester struct{}

func (panicIngester) Ingest(string, uint16, string, uint16, []byte, time.Time) {
	panic("boom")
}
