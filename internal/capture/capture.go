// Package capture opens a live network interface with gopacket/pcap,
// applies a BPF filter, and hands each IPv4/TCP packet's payload to the
// detection engine. Grounded on the teacher's PacketCapture (same
// pcap.OpenLive/BPF/gopacket.NewPacketSource wiring), rewired to call
// engine.Submit directly instead of building a NetworkEvent for a
// conversation manager, and narrowed to the IPv4+TCP path spec.md §6
// requires — non-IPv4 and non-TCP frames never reach the engine.
package capture

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/iolloyd/gridwatcher/internal/engine"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
)

// DefaultFilter matches the original grid_watcher CLI's default BPF
// expression for SCADA/Modbus traffic.
const DefaultFilter = "tcp port 502"

// Stats counts what the capture loop has seen, independent of the engine's
// own packets-processed counter, so a capture-level problem (bad interface,
// wrong filter) is diagnosable even before a packet ever reaches the engine.
type Stats struct {
	TotalPackets uint64
	IPv4TCP      uint64
	NonIPv4TCP   uint64
	Submitted    uint64
	QueueDropped uint64
}

// Interface describes one capturable network interface, for --list-interfaces.
type Interface struct {
	Name        string
	Description string
	Addresses   []string
}

// ListInterfaces enumerates every pcap-visible interface on the host.
func ListInterfaces() ([]Interface, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("capture: list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(devices))
	for _, dev := range devices {
		addrs := make([]string, 0, len(dev.Addresses))
		for _, a := range dev.Addresses {
			addrs = append(addrs, a.IP.String())
		}
		out = append(out, Interface{Name: dev.Name, Description: dev.Description, Addresses: addrs})
	}
	return out, nil
}

// PacketCapture drives a live pcap handle, feeding accepted packets into an
// *engine.Engine.
type PacketCapture struct {
	handle *pcap.Handle
	iface  string
	filter string
	eng    *engine.Engine
	stats  Stats
}

// Open starts a live capture on iface with the given BPF filter. filter may
// be empty to capture everything, though DefaultFilter is strongly
// recommended for a SCADA deployment.
func Open(iface, filter string, eng *engine.Engine) (*PacketCapture, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", iface, err)
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set filter %q: %w", filter, err)
		}
	}
	return &PacketCapture{
		handle: handle,
		iface:  iface,
		filter: filter,
		eng:    eng,
	}, nil
}

// Run drives the capture loop until the handle is closed or done fires.
// Every IPv4/TCP packet's TCP payload is submitted to the engine's worker
// pool; everything else is counted and dropped before it reaches detection.
func (pc *PacketCapture) Run(done <-chan struct{}) {
	packetSource := gopacket.NewPacketSource(pc.handle, pc.handle.LinkType())
	log.Printf("capture: listening on %s filter=%q", pc.iface, pc.filter)

	packets := packetSource.Packets()
	for {
		select {
		case <-done:
			return
		case packet, ok := <-packets:
			if !ok {
				return
			}
			pc.stats.TotalPackets++
			pc.handlePacket(packet)
		}
	}
}

func (pc *PacketCapture) handlePacket(packet gopacket.Packet) {
	ipLayer, ok := packet.NetworkLayer().(*layers.IPv4)
	if !ok {
		pc.stats.NonIPv4TCP++
		return
	}
	tcpLayer, ok := packet.TransportLayer().(*layers.TCP)
	if !ok {
		pc.stats.NonIPv4TCP++
		return
	}
	pc.stats.IPv4TCP++

	src, ok := ipv4.FromNetIP(ipLayer.SrcIP)
	if !ok {
		return
	}
	dst, ok := ipv4.FromNetIP(ipLayer.DstIP)
	if !ok {
		return
	}

	payload := tcpLayer.LayerPayload()
	if len(payload) == 0 {
		return
	}

	job := &engine.PacketJob{
		Payload:  payload,
		Src:      src,
		Dst:      dst,
		SrcPort:  uint16(tcpLayer.SrcPort),
		DstPort:  uint16(tcpLayer.DstPort),
		Received: time.Now(),
	}
	if pc.eng.Submit(job) {
		pc.stats.Submitted++
	} else {
		pc.stats.QueueDropped++
	}
}

// Stats returns a snapshot of the capture loop's own counters.
func (pc *PacketCapture) Stats() Stats { return pc.stats }

// Close releases the underlying pcap handle.
func (pc *PacketCapture) Close() {
	if pc.handle != nil {
		pc.handle.Close()
	}
}
