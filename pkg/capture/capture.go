// Package capture opens live packet sources on the node's network
// interfaces and feeds TCP payload bytes into a flow table. It never
// re-exports raw packets; the flow table is the only consumer.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// SnapLen caps how much of each packet gopacket captures. It only
// needs to cover the TCP/IP headers plus whatever HTTP bytes arrive
// in a single packet; the flow table reassembles the rest across
// packets.
const SnapLen int32 = 65535

// DefaultPorts is the fixed set of ports the BPF filter restricts
// capture to. Traffic for services exposed on other ports is not
// observed.
var DefaultPorts = []uint16{80, 8080, 8000, 3000, 5000, 8443, 9000}

// openAttempts and openBackoffCap bound the retry applied to each
// interface's pcap.OpenLive call.
const (
	openAttempts   = 3
	openBackoffCap = time.Second
)

// FlowIngester is the narrow surface pkg/flow.Table exposes to a
// packet source.
type FlowIngester interface {
	Ingest(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte, ts time.Time)
}

// PacketCounter receives a notification per captured packet; the
// metrics package implements it. It is optional and may be nil.
type PacketCounter interface {
	IncPacketsCaptured()
}

// BuildBPFFilter restricts capture to TCP traffic on the given ports.
func BuildBPFFilter(ports []uint16) string {
	clauses := make([]string, 0, len(ports))
	for _, p := range ports {
		clauses = append(clauses, fmt.Sprintf("port %d", p))
	}
	return "tcp and (" + strings.Join(clauses, " or ") + ")"
}

// SelectInterfaces ranks the host's capturable interfaces: loopback and
// interfaces with no addresses are skipped, veth/eth/en/docker/bridge/
// cni/flannel names are preferred, and if nothing matches that
// preference every remaining non-loopback interface is returned
// instead.
func SelectInterfaces() ([]string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("list pcap devices: %w", err)
	}

	var preferred, rest []string
	for _, dev := range devices {
		if isLoopback(dev) {
			continue
		}
		if len(dev.Addresses) == 0 {
			continue
		}
		if isPreferredName(dev.Name) {
			preferred = append(preferred, dev.Name)
		} else {
			rest = append(rest, dev.Name)
		}
	}

	if len(preferred) > 0 {
		return preferred, nil
	}
	if len(rest) > 0 {
		return rest, nil
	}
	return nil, fmt.Errorf("no capturable, non-loopback interfaces found")
}

// pcapFlagLoopback mirrors libpcap's PCAP_IF_LOOPBACK bit, which
// gopacket/pcap surfaces verbatim in Interface.Flags.
const pcapFlagLoopback = 0x1

func isLoopback(dev pcap.Interface) bool {
	if dev.Flags&pcapFlagLoopback != 0 {
		return true
	}
	return strings.HasPrefix(dev.Name, "lo")
}

func isPreferredName(name string) bool {
	switch {
	case strings.HasPrefix(name, "veth"):
		return true
	case strings.HasPrefix(name, "eth"):
		return true
	case strings.HasPrefix(name, "en"):
		return true
	case strings.HasPrefix(name, "docker"):
		return true
	case strings.HasPrefix(name, "br"):
		return true
	case strings.HasPrefix(name, "cni"):
		return true
	case strings.HasPrefix(name, "flannel"):
		return true
	default:
		return false
	}
}

// Source captures TCP payloads from a fixed set of interfaces and
// feeds them to a flow table, one goroutine per interface.
type Source struct {
	ifaces  []string
	filter  string
	table   FlowIngester
	counter PacketCounter
	log     *zap.Logger

	mu      sync.Mutex
	handles []*pcap.Handle
}

// NewSource builds a Source over the given interfaces and port set.
// counter may be nil.
func NewSource(ifaces []string, ports []uint16, table FlowIngester, counter PacketCounter, log *zap.Logger) *Source {
	return &Source{
		ifaces:  ifaces,
		filter:  BuildBPFFilter(ports),
		table:   table,
		counter: counter,
		log:     log,
	}
}

// Run opens every configured interface and captures until ctx is
// canceled. Per-interface open failures are aggregated; Run only
// returns an error if every interface failed to open. An interface
// that opens successfully keeps capturing even if its siblings
// failed.
func (s *Source) Run(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		openErr *multierror.Error
		opened  int
	)

	for _, iface := range s.ifaces {
		handle, linkType, err := openInterface(iface)
		if err != nil {
			openErr = multierror.Append(openErr, fmt.Errorf("%s: %w", iface, err))
			s.log.Warn("failed to open interface for capture", zap.String("interface", iface), zap.Error(err))
			continue
		}

		if err := handle.SetBPFFilter(s.filter); err != nil {
			handle.Close()
			openErr = multierror.Append(openErr, fmt.Errorf("%s: set bpf filter: %w", iface, err))
			s.log.Warn("failed to set bpf filter", zap.String("interface", iface), zap.Error(err))
			continue
		}

		opened++
		s.mu.Lock()
		s.handles = append(s.handles, handle)
		s.mu.Unlock()

		s.log.Info("capturing on interface", zap.String("interface", iface), zap.String("filter", s.filter))

		wg.Add(1)
		go func(iface string, handle *pcap.Handle, linkType layers.LinkType) {
			defer wg.Done()
			s.capture(ctx, iface, handle, linkType)
		}(iface, handle, linkType)
	}

	if opened == 0 {
		if openErr != nil {
			return fmt.Errorf("no interfaces opened: %w", openErr)
		}
		return fmt.Errorf("no interfaces configured")
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for _, h := range s.handles {
			h.Close()
		}
		s.mu.Unlock()
	}()

	wg.Wait()
	return nil
}

// openInterface opens iface with link-layer capture, retrying with
// exponential backoff. If every attempt fails it falls back to a
// non-promiscuous open, which on interfaces where promiscuous mode is
// refused (e.g. inside restricted containers) still yields raw IP
// traffic to and from the host itself.
func openInterface(iface string) (*pcap.Handle, layers.LinkType, error) {
	var handle *pcap.Handle
	err := retry.Do(
		func() error {
			h, openErr := pcap.OpenLive(iface, SnapLen, true, pcap.BlockForever)
			if openErr != nil {
				return openErr
			}
			handle = h
			return nil
		},
		retry.Attempts(openAttempts),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(openBackoffCap),
		retry.DelayType(retry.BackOffDelay),
	)
	if err == nil {
		return handle, handle.LinkType(), nil
	}

	fallback, fallbackErr := pcap.OpenLive(iface, SnapLen, false, pcap.BlockForever)
	if fallbackErr != nil {
		return nil, 0, fmt.Errorf("link-layer open failed: %w; raw fallback failed: %v", err, fallbackErr)
	}
	return fallback, fallback.LinkType(), nil
}

// capture runs the packet loop for one interface until its handle is
// closed or ctx is canceled. A panic while processing a single packet
// is recovered and logged; it never tears down the whole source.
func (s *Source) capture(ctx context.Context, iface string, handle *pcap.Handle, linkType layers.LinkType) {
	source := gopacket.NewPacketSource(handle, linkType)
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-source.Packets():
			if !ok {
				return
			}
			s.processPacket(iface, packet)
		}
	}
}

func (s *Source) processPacket(iface string, packet gopacket.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("CRITICAL: recovered from panic processing packet", zap.String("interface", iface), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if s.counter != nil {
		s.counter.IncPacketsCaptured()
	}

	srcIP, dstIP, ok := packetIPs(packet)
	if !ok {
		return
	}

	tcp, ok := packet.TransportLayer().(*layers.TCP)
	if !ok || tcp == nil {
		return
	}
	if len(tcp.Payload) == 0 {
		return
	}

	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.table.Ingest(srcIP, uint16(tcp.SrcPort), dstIP, uint16(tcp.DstPort), tcp.Payload, ts)
}

func packetIPs(packet gopacket.Packet) (src, dst string, ok bool) {
	if v4 := packet.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		return ip.SrcIP.String(), ip.DstIP.String(), true
	}
	if v6 := packet.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		return ip.SrcIP.String(), ip.DstIP.String(), true
	}
	return "", "", false
}
