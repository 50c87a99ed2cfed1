package beacon

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Captured is one beacon read back from a capture file.
type Captured struct {
	Time   time.Time
	From   *net.UDPAddr
	Beacon Beacon
}

// ReplayPCAP reads a classic pcap capture and calls fn for every valid
// beacon sent to udpPort, in capture order. Non-beacon traffic is skipped
// and malformed beacons are logged.
func ReplayPCAP(ctx context.Context, r io.Reader, udpPort int, fn func(Captured) error) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture: %w", err)
	}
	src := gopacket.NewPacketSource(reader, reader.LinkType())
	src.NoCopy = true

	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
		packet, err := src.NextPacket()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			logf("skipping unreadable packet: %v", err)
			continue
		}

		udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udpLayer.DstPort) != udpPort || len(udpLayer.Payload) == 0 {
			continue
		}
		b, err := Decode(udpLayer.Payload)
		if err != nil {
			logf("capture packet at %s: %v", packet.Metadata().Timestamp.Format(time.RFC3339Nano), err)
			continue
		}
		from := &net.UDPAddr{Port: int(udpLayer.SrcPort)}
		if ip, ok := packet.NetworkLayer().(*layers.IPv4); ok {
			from.IP = ip.SrcIP
		}
		count++
		if err := fn(Captured{Time: packet.Metadata().Timestamp, From: from, Beacon: b}); err != nil {
			return count, err
		}
	}
}

// PCAPWriter records beacon datagrams as Ethernet/IPv4/UDP frames so that
// ReplayPCAP and standard tools can read them back.
type PCAPWriter struct {
	mu   sync.Mutex
	w    *pcapgo.Writer
	dst  net.UDPAddr
	srcM net.HardwareAddr
}

// NewPCAPWriter writes the file header to w. dst is recorded as the
// destination of every frame.
func NewPCAPWriter(w io.Writer, dst net.UDPAddr) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	if dst.IP == nil {
		dst.IP = net.IPv4bcast
	}
	return &PCAPWriter{
		w:    pw,
		dst:  dst,
		srcM: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
	}, nil
}

// Record implements Recorder.
func (p *PCAPWriter) Record(ts time.Time, from *net.UDPAddr, payload []byte) error {
	srcIP := net.IPv4zero
	srcPort := 0
	if from != nil {
		if v4 := from.IP.To4(); v4 != nil {
			srcIP = v4
		}
		srcPort = from.Port
	}

	eth := &layers.Ethernet{
		SrcMAC:       p.srcM,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    p.dst.IP.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(p.dst.Port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialise beacon frame: %w", err)
	}
	frame := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}
