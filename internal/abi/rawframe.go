package abi

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
)

// Wire-format lengths. These are the sizes the kernel classifier reads
// verbatim off the frame; they must stay in lockstep with bpf/classifier.c.
const (
	MacLen     = 6
	EthHdrLen  = 2*MacLen + 2 // dst + src + ethertype
	Ipv4HdrLen = 20           // fixed header, no options (Non-goal: full dissection)
	Ipv6HdrLen = 40
	ArpHdrLen  = 28 // Ethernet/IPv4 ARP: hw/proto type+len, op, 2x(mac+ip)
	TcpHdrLen  = 20 // fixed header, no options
	UdpHdrLen  = 8
	SctpHdrLen = 12 // common header: ports, verification tag, checksum
	IcmpHdrLen = 8

	// ipSlotLen and protoSlotLen are the fixed capacities reserved inside
	// RawFrame for the IP header and the transport header respectively.
	// They are sized to the largest variant so the record has one
	// constant size regardless of which protocol was actually observed
	// (spec.md §3: "the record size is a compile-time constant, identical
	// in kernel and userspace builds").
	ipSlotLen    = Ipv6HdrLen
	protoSlotLen = TcpHdrLen
)

// FrameKind discriminates the tagged payload carried by a RawFrame.
type FrameKind uint8

const (
	KindIPv4TCP FrameKind = iota
	KindIPv4UDP
	KindIPv4SCTP
	KindIPv4ICMP
	KindIPv6TCP
	KindIPv6UDP
	KindIPv6SCTP
	KindIPv6ICMP
	KindARP
	KindUnknown
)

// EthHeader is the 14-byte Ethernet header captured verbatim from the wire.
type EthHeader struct {
	DstMAC    [MacLen]byte
	SrcMAC    [MacLen]byte
	EtherType uint16 // host-order value; network byte order on the wire and in the ABI encoding
}

// EthernetType values recognized by the classifier (spec.md §4.1 step 1).
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86DD
)

// RawFrame is the bit-exact record produced by the kernel classifier and
// consumed by RingReader. Field order and sizes must never change without
// rebuilding both the Go userspace binary and bpf/classifier.c together
// (spec.md §3 invariant).
type RawFrame struct {
	Eth   EthHeader
	Kind  FrameKind
	_pad  [3]byte // explicit padding, matches the kernel struct's natural C layout
	IP    [ipSlotLen]byte
	Proto [protoSlotLen]byte
}

// RawFrameLen is the compile-time-constant wire size of RawFrame. A test
// in abi_test.go asserts this against unsafe.Sizeof, standing in for the
// kernel-build-time size assertion spec.md §9 calls for.
const RawFrameLen = EthHdrLen + 1 + 3 + ipSlotLen + protoSlotLen

// PeelEthernet validates that b is long enough to hold an Ethernet header
// and returns the header plus the remaining payload slice.
func PeelEthernet(b []byte) (hdr EthHeader, rest []byte, ok bool) {
	if len(b) < EthHdrLen {
		return EthHeader{}, nil, false
	}
	copy(hdr.DstMAC[:], b[0:MacLen])
	copy(hdr.SrcMAC[:], b[MacLen:2*MacLen])
	hdr.EtherType = binary.BigEndian.Uint16(b[2*MacLen : EthHdrLen])
	return hdr, b[EthHdrLen:], true
}

// ipv4HeaderLen returns the IHL-derived header length in bytes, or false
// if the packet is truncated or malformed. Mirrors filter.PeelIPv4 but
// preserves the full variable length header bound check without options
// dissection (the fixed 20-byte prefix is what gets copied into RawFrame).
func ipv4HeaderLen(b []byte) (int, bool) {
	if len(b) < Ipv4HdrLen {
		return 0, false
	}
	if ver := b[0] >> 4; ver != 4 {
		return 0, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < Ipv4HdrLen || len(b) < ihl {
		return 0, false
	}
	return ihl, true
}

// PeelIPv4 reads the fixed 20-byte IPv4 header prefix and returns the
// payload starting at the end of the (possibly option-bearing) header.
func PeelIPv4(b []byte) (hdr [Ipv4HdrLen]byte, proto byte, rest []byte, ok bool) {
	ihl, ok := ipv4HeaderLen(b)
	if !ok {
		return hdr, 0, nil, false
	}
	copy(hdr[:], b[:Ipv4HdrLen])
	return hdr, b[9], b[ihl:], true
}

// PeelIPv6 reads the fixed 40-byte IPv6 header. Extension headers are not
// walked (Non-goal: full protocol dissection); NextHeader is taken at face
// value as the upper-layer protocol.
func PeelIPv6(b []byte) (hdr [Ipv6HdrLen]byte, next byte, rest []byte, ok bool) {
	if len(b) < Ipv6HdrLen {
		return hdr, 0, nil, false
	}
	copy(hdr[:], b[:Ipv6HdrLen])
	return hdr, b[6], b[Ipv6HdrLen:], true
}

// PeelARP reads a fixed 28-byte Ethernet/IPv4 ARP packet.
func PeelARP(b []byte) (hdr [ArpHdrLen]byte, ok bool) {
	if len(b) < ArpHdrLen {
		return hdr, false
	}
	copy(hdr[:], b[:ArpHdrLen])
	return hdr, true
}

// IPProto values relevant to this classifier (IANA protocol numbers),
// borrowed from gopacket/layers rather than hand-rolled, matching the
// teacher's snf/gopacket.go use of the library's protocol-number enums.
const (
	IPProtoICMP  = byte(layers.IPProtocolICMPv4)
	IPProtoTCP   = byte(layers.IPProtocolTCP)
	IPProtoUDP   = byte(layers.IPProtocolUDP)
	IPProtoSCTP  = byte(layers.IPProtocolSCTP)
	IPProtoICMP6 = byte(layers.IPProtocolICMPv6)
)

// PeelTCP, PeelUDP, PeelSCTP, PeelICMP each validate length and copy the
// fixed-size header prefix, mirroring filter.PeelTCP/PeelUDP in the
// teacher package.
func PeelTCP(b []byte) (hdr [TcpHdrLen]byte, ok bool) {
	if len(b) < TcpHdrLen {
		return hdr, false
	}
	copy(hdr[:], b[:TcpHdrLen])
	return hdr, true
}

func PeelUDP(b []byte) (hdr [UdpHdrLen]byte, ok bool) {
	if len(b) < UdpHdrLen {
		return hdr, false
	}
	copy(hdr[:], b[:UdpHdrLen])
	return hdr, true
}

func PeelSCTP(b []byte) (hdr [SctpHdrLen]byte, ok bool) {
	if len(b) < SctpHdrLen {
		return hdr, false
	}
	copy(hdr[:], b[:SctpHdrLen])
	return hdr, true
}

func PeelICMP(b []byte) (hdr [IcmpHdrLen]byte, ok bool) {
	if len(b) < IcmpHdrLen {
		return hdr, false
	}
	copy(hdr[:], b[:IcmpHdrLen])
	return hdr, true
}

// Encode serializes the RawFrame into exactly RawFrameLen bytes, matching
// the layout the kernel classifier writes into the ring buffer.
func (f *RawFrame) Encode() [RawFrameLen]byte {
	var out [RawFrameLen]byte
	copy(out[0:MacLen], f.Eth.DstMAC[:])
	copy(out[MacLen:2*MacLen], f.Eth.SrcMAC[:])
	binary.BigEndian.PutUint16(out[2*MacLen:EthHdrLen], f.Eth.EtherType)
	out[EthHdrLen] = byte(f.Kind)
	copy(out[EthHdrLen+4:EthHdrLen+4+ipSlotLen], f.IP[:])
	copy(out[EthHdrLen+4+ipSlotLen:], f.Proto[:])
	return out
}

// DecodeRawFrame parses exactly RawFrameLen bytes into a RawFrame. It
// never fails on well-formed input because the layout is fixed; a short
// buffer is the only error condition.
func DecodeRawFrame(b []byte) (RawFrame, bool) {
	if len(b) < RawFrameLen {
		return RawFrame{}, false
	}
	var f RawFrame
	copy(f.Eth.DstMAC[:], b[0:MacLen])
	copy(f.Eth.SrcMAC[:], b[MacLen:2*MacLen])
	f.Eth.EtherType = binary.BigEndian.Uint16(b[2*MacLen : EthHdrLen])
	f.Kind = FrameKind(b[EthHdrLen])
	copy(f.IP[:], b[EthHdrLen+4:EthHdrLen+4+ipSlotLen])
	copy(f.Proto[:], b[EthHdrLen+4+ipSlotLen:EthHdrLen+4+ipSlotLen+protoSlotLen])
	return f, true
}
