package abi

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
)

// MacAddr is a 6-byte hardware address with oryx's display convention:
// an all-zero address renders as the broadcast address. The original
// implementation flags this as possibly a workaround rather than a
// deliberate choice (spec.md §9 Open Questions); we keep the behavior
// since nothing downstream treats the rendered string as a real unicast
// address and it matches what packet-dump tooling users expect to see.
type MacAddr [MacLen]byte

func (m MacAddr) String() string {
	zero := true
	for _, b := range m {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return "ff:ff:ff:ff:ff:ff"
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ICMPType is the decoded, folded ICMP message type. Types the classifier
// doesn't recognize fold to Deprecated rather than causing a decode error
// (spec.md §8 round-trip property: "modulo documented field lossiness").
type ICMPType uint8

const (
	ICMPEchoRequest ICMPType = iota
	ICMPEchoReply
	ICMPDestinationUnreachable
	ICMPDeprecated
)

func (t ICMPType) String() string {
	switch t {
	case ICMPEchoRequest:
		return "Echo Request"
	case ICMPEchoReply:
		return "Echo Reply"
	case ICMPDestinationUnreachable:
		return "Destination Unreachable"
	default:
		return "Deprecated"
	}
}

func foldICMPv4Type(raw uint8) ICMPType {
	switch raw {
	case 8:
		return ICMPEchoRequest
	case 0:
		return ICMPEchoReply
	case 3:
		return ICMPDestinationUnreachable
	default:
		return ICMPDeprecated
	}
}

func foldICMPv6Type(raw uint8) ICMPType {
	switch raw {
	case 128:
		return ICMPEchoRequest
	case 129:
		return ICMPEchoReply
	case 1:
		return ICMPDestinationUnreachable
	default:
		return ICMPDeprecated
	}
}

// ArpOp is the decoded ARP operation.
type ArpOp uint8

const (
	ArpRequest ArpOp = iota
	ArpReply
)

func (o ArpOp) String() string {
	if o == ArpReply {
		return "Arp Reply"
	}
	return "Arp Request"
}

// TCPFlags mirrors the flag octet of a captured TCP header.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

// NetworkPacket is the decoded, host-byte-order transport/network payload
// of an AppPacket. Exactly one of the typed accessor groups is meaningful,
// selected by Kind.
type NetworkPacket struct {
	Kind FrameKind

	SrcIP netip.Addr
	DstIP netip.Addr

	SrcPort uint16
	DstPort uint16
	Flags   TCPFlags // TCP only

	ICMPType ICMPType // ICMP only

	ArpOp     ArpOp // ARP only
	ArpSrcMAC MacAddr
	ArpDstMAC MacAddr
}

func (p NetworkPacket) String() string {
	switch p.Kind {
	case KindIPv4TCP, KindIPv6TCP:
		return fmt.Sprintf("%s %d %s %d TCP", p.SrcIP, p.SrcPort, p.DstIP, p.DstPort)
	case KindIPv4UDP, KindIPv6UDP:
		return fmt.Sprintf("%s %d %s %d UDP", p.SrcIP, p.SrcPort, p.DstIP, p.DstPort)
	case KindIPv4SCTP, KindIPv6SCTP:
		return fmt.Sprintf("%s %d %s %d SCTP", p.SrcIP, p.SrcPort, p.DstIP, p.DstPort)
	case KindIPv4ICMP, KindIPv6ICMP:
		return fmt.Sprintf("%s %s ICMP", p.SrcIP, p.DstIP)
	case KindARP:
		return fmt.Sprintf("%s %s ARP", p.ArpSrcMAC, p.ArpDstMAC)
	default:
		return "unknown"
	}
}

// AppPacket is the userspace decoded form of a RawFrame: headers in host
// byte order, IP addresses as semantic types, stamped with direction.
// Created once by RingReader and never mutated thereafter (spec.md §3).
type AppPacket struct {
	Timestamp time.Time
	Direction Direction
	EthSrc    MacAddr
	EthDst    MacAddr
	Network   NetworkPacket
	PID       *uint32 // resolved lazily by PidResolver; nil until then
}

func (p AppPacket) String() string {
	return p.Network.String()
}

// CaptureInfo reports gopacket.CaptureInfo-shaped metadata for the decoded
// record, mirroring the teacher's RecvReq.CaptureInfo (snf/gopacket.go) so
// downstream consumers that expect gopacket's timestamp/length convention
// (e.g. a pcap writer) can be handed an AppPacket directly.
func (p AppPacket) CaptureInfo() gopacket.CaptureInfo {
	length := EthHdrLen + p.Network.wireLen()
	return gopacket.CaptureInfo{
		Timestamp:     p.Timestamp,
		CaptureLength: length,
		Length:        length,
	}
}

// wireLen approximates the on-wire length of the network-layer-and-above
// portion of the record from its fixed header sizes (spec.md §3: fixed,
// compile-time-constant header slots, no payload retained).
func (p NetworkPacket) wireLen() int {
	switch p.Kind {
	case KindIPv4TCP:
		return Ipv4HdrLen + TcpHdrLen
	case KindIPv4UDP:
		return Ipv4HdrLen + UdpHdrLen
	case KindIPv4SCTP:
		return Ipv4HdrLen + SctpHdrLen
	case KindIPv4ICMP:
		return Ipv4HdrLen + IcmpHdrLen
	case KindIPv6TCP:
		return Ipv6HdrLen + TcpHdrLen
	case KindIPv6UDP:
		return Ipv6HdrLen + UdpHdrLen
	case KindIPv6SCTP:
		return Ipv6HdrLen + SctpHdrLen
	case KindIPv6ICMP:
		return Ipv6HdrLen + IcmpHdrLen
	case KindARP:
		return ArpHdrLen
	default:
		return 0
	}
}

// ConnKey returns the canonical 4-tuple used to key the PID resolver's
// connection map. Only meaningful for TCP/UDP packets. The local side is
// the destination of an ingress packet and the source of an egress one.
func (p AppPacket) ConnKey() (ConnectionKey, bool) {
	switch p.Network.Kind {
	case KindIPv4TCP, KindIPv4UDP, KindIPv6TCP, KindIPv6UDP:
		if p.Direction == Ingress {
			return ConnectionKey{
				LocalAddr:  p.Network.DstIP,
				LocalPort:  p.Network.DstPort,
				RemoteAddr: p.Network.SrcIP,
				RemotePort: p.Network.SrcPort,
			}, true
		}
		return ConnectionKey{
			LocalAddr:  p.Network.SrcIP,
			LocalPort:  p.Network.SrcPort,
			RemoteAddr: p.Network.DstIP,
			RemotePort: p.Network.DstPort,
		}, true
	default:
		return ConnectionKey{}, false
	}
}

// ConnectionKey is the canonical 4-tuple, normalized to host byte order,
// under which PidResolver stores connection ownership (spec.md Glossary).
type ConnectionKey struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Decode converts a RawFrame into its userspace AppPacket form, stamping
// it with dir. Decode failures (an unknown frame kind or an unparseable
// ARP opcode) are reported via ok=false; the caller (RingReader) drops the record
// silently per spec.md §4.2/§7.
func Decode(f RawFrame, dir Direction, now time.Time) (AppPacket, bool) {
	pkt := AppPacket{
		Timestamp: now,
		Direction: dir,
		EthDst:    MacAddr(f.Eth.DstMAC),
		EthSrc:    MacAddr(f.Eth.SrcMAC),
	}

	switch f.Kind {
	case KindIPv4TCP, KindIPv4UDP, KindIPv4SCTP, KindIPv4ICMP:
		src := netip.AddrFrom4([4]byte{f.IP[12], f.IP[13], f.IP[14], f.IP[15]})
		dst := netip.AddrFrom4([4]byte{f.IP[16], f.IP[17], f.IP[18], f.IP[19]})
		np, ok := decodeIPv4Proto(f.Kind, f.Proto, src, dst)
		if !ok {
			return AppPacket{}, false
		}
		pkt.Network = np
	case KindIPv6TCP, KindIPv6UDP, KindIPv6SCTP, KindIPv6ICMP:
		var src, dst [16]byte
		copy(src[:], f.IP[8:24])
		copy(dst[:], f.IP[24:40])
		np, ok := decodeIPv6Proto(f.Kind, f.Proto, netip.AddrFrom16(src), netip.AddrFrom16(dst))
		if !ok {
			return AppPacket{}, false
		}
		pkt.Network = np
	case KindARP:
		np, ok := decodeArp(f.IP)
		if !ok {
			return AppPacket{}, false
		}
		pkt.Network = np
	default:
		return AppPacket{}, false
	}

	return pkt, true
}

func decodeIPv4Proto(kind FrameKind, proto [protoSlotLen]byte, src, dst netip.Addr) (NetworkPacket, bool) {
	np := NetworkPacket{Kind: kind, SrcIP: src, DstIP: dst}
	switch kind {
	case KindIPv4TCP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
		np.Flags = decodeTCPFlags(proto[13])
	case KindIPv4UDP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
	case KindIPv4SCTP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
	case KindIPv4ICMP:
		np.ICMPType = foldICMPv4Type(proto[0])
	default:
		return np, false
	}
	return np, true
}

func decodeIPv6Proto(kind FrameKind, proto [protoSlotLen]byte, src, dst netip.Addr) (NetworkPacket, bool) {
	np := NetworkPacket{Kind: kind, SrcIP: src, DstIP: dst}
	switch kind {
	case KindIPv6TCP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
		np.Flags = decodeTCPFlags(proto[13])
	case KindIPv6UDP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		// Correct destination-port extraction, per spec.md §9 Open
		// Question: the original reads the source field twice here; we
		// read the actual destination field unconditionally.
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
	case KindIPv6SCTP:
		np.SrcPort = binary.BigEndian.Uint16(proto[0:2])
		np.DstPort = binary.BigEndian.Uint16(proto[2:4])
	case KindIPv6ICMP:
		np.ICMPType = foldICMPv6Type(proto[0])
	default:
		return np, false
	}
	return np, true
}

func decodeTCPFlags(b byte) TCPFlags {
	return TCPFlags{
		FIN: b&0x01 != 0,
		SYN: b&0x02 != 0,
		RST: b&0x04 != 0,
		PSH: b&0x08 != 0,
		ACK: b&0x10 != 0,
		URG: b&0x20 != 0,
	}
}

func decodeArp(raw [ipSlotLen]byte) (NetworkPacket, bool) {
	// ARP/Ethernet/IPv4 layout: hwtype(2) prototype(2) hwlen(1) protolen(1)
	// op(2) sender-mac(6) sender-ip(4) target-mac(6) target-ip(4)
	op := binary.BigEndian.Uint16(raw[6:8])
	var opType ArpOp
	switch op {
	case 1:
		opType = ArpRequest
	case 2:
		opType = ArpReply
	default:
		return NetworkPacket{}, false
	}

	np := NetworkPacket{Kind: KindARP, ArpOp: opType}
	copy(np.ArpSrcMAC[:], raw[8:14])
	copy(np.ArpDstMAC[:], raw[18:24])
	return np, true
}
