package kernel

import (
	"encoding/binary"
	"net/netip"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// Verdict is the classifier's action decision for a single frame
// (spec.md §4.1).
type Verdict struct {
	// Drop reports whether the frame must not reach the rest of the
	// network stack. Note the kernel program can only ever act on its own
	// attachment point; a software model can express this regardless.
	Drop bool
	// Emit is the RawFrame to reserve a ring slot for, valid only when
	// Emitted is true. A frame can be passed to the stack without ever
	// being emitted (e.g. a filtered protocol).
	Emit    abi.RawFrame
	Emitted bool
}

// Classify is the software model of the in-kernel classifier described at
// spec.md §4.1, grounded on oryx-ebpf/src/main.rs's parse_ethhdr /
// parse_ipv4_packet / parse_ipv6_packet chain. It exists for two reasons:
// the Go userspace agent needs something deterministic to exercise in
// tests without attaching to a live interface, and it is the executable
// specification bpf/classifier.c is hand-translated from and must stay in
// lockstep with. It never allocates inside the hot path and never loops
// over anything but the bounded MaxRulesPort port array, mirroring the
// verifier constraints the real eBPF program must satisfy.
func Classify(raw []byte, dir abi.Direction, filters FilterSnapshot, blocklist *BlocklistMaps) Verdict {
	eth, rest, ok := abi.PeelEthernet(raw)
	if !ok {
		return Verdict{} // bounds-check failure: pass, no emit (step "Failure semantics")
	}

	switch eth.EtherType {
	case abi.EtherTypeIPv4, abi.EtherTypeIPv6:
		// link filter only gates ARP; IP ethertypes fall through to the
		// network-protocol filter below.
	case abi.EtherTypeARP:
		if filters.Link[abi.ARP] {
			return Verdict{} // step 2
		}
	default:
		return Verdict{} // step 1: unhandled ethertype, pass
	}

	if filters.Direction[dir] {
		return Verdict{} // step 3
	}

	var frame abi.RawFrame
	frame.Eth = eth

	switch eth.EtherType {
	case abi.EtherTypeARP:
		hdr, ok := abi.PeelARP(rest)
		if !ok {
			return Verdict{}
		}
		frame.Kind = abi.KindARP
		copy(frame.IP[:], hdr[:])
		return reserve(frame)

	case abi.EtherTypeIPv4:
		hdr, protoNum, payload, ok := abi.PeelIPv4(rest)
		if !ok {
			return Verdict{}
		}
		copy(frame.IP[:], hdr[:])

		src := netip.AddrFrom4([4]byte{hdr[12], hdr[13], hdr[14], hdr[15]})
		dst := netip.AddrFrom4([4]byte{hdr[16], hdr[17], hdr[18], hdr[19]})

		// The IPv4 and ICMPv4 network keys gate independently: IPv4
		// selects TCP/UDP/SCTP over IPv4, ICMPv4 selects ICMP over IPv4,
		// so "--network icmp" alone still captures ICMP with IPv4/IPv6
		// otherwise deselected.
		switch protoNum {
		case abi.IPProtoTCP:
			if filters.Network[abi.IPv4] || filters.Transport[abi.TCP] {
				return Verdict{}
			}
			th, ok := abi.PeelTCP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, th[2], th[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv4TCP
			copy(frame.Proto[:], th[:])
		case abi.IPProtoUDP:
			if filters.Network[abi.IPv4] || filters.Transport[abi.UDP] {
				return Verdict{}
			}
			uh, ok := abi.PeelUDP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, uh[2], uh[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv4UDP
			copy(frame.Proto[:], uh[:])
		case abi.IPProtoSCTP:
			if filters.Network[abi.IPv4] || filters.Transport[abi.SCTP] {
				return Verdict{}
			}
			sh, ok := abi.PeelSCTP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, sh[2], sh[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv4SCTP
			copy(frame.Proto[:], sh[:])
		case abi.IPProtoICMP:
			if filters.Network[abi.ICMPv4] {
				return Verdict{}
			}
			ih, ok := abi.PeelICMP(payload)
			if !ok {
				return Verdict{}
			}
			frame.Kind = abi.KindIPv4ICMP
			copy(frame.Proto[:], ih[:])
		default:
			return Verdict{} // unrecognized upper-layer protocol: pass, no emit
		}
		return reserve(frame)

	case abi.EtherTypeIPv6:
		hdr, next, payload, ok := abi.PeelIPv6(rest)
		if !ok {
			return Verdict{}
		}
		copy(frame.IP[:], hdr[:])

		var src16, dst16 [16]byte
		copy(src16[:], hdr[8:24])
		copy(dst16[:], hdr[24:40])
		src := netip.AddrFrom16(src16)
		dst := netip.AddrFrom16(dst16)

		// Same independent-key split as the IPv4 case above: IPv6 gates
		// TCP/UDP/SCTP over IPv6, ICMPv6 gates ICMPv6 on its own.
		switch next {
		case abi.IPProtoTCP:
			if filters.Network[abi.IPv6] || filters.Transport[abi.TCP] {
				return Verdict{}
			}
			th, ok := abi.PeelTCP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, th[2], th[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv6TCP
			copy(frame.Proto[:], th[:])
		case abi.IPProtoUDP:
			if filters.Network[abi.IPv6] || filters.Transport[abi.UDP] {
				return Verdict{}
			}
			uh, ok := abi.PeelUDP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, uh[2], uh[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv6UDP
			copy(frame.Proto[:], uh[:])
		case abi.IPProtoSCTP:
			if filters.Network[abi.IPv6] || filters.Transport[abi.SCTP] {
				return Verdict{}
			}
			sh, ok := abi.PeelSCTP(payload)
			if !ok {
				return Verdict{}
			}
			if blocked(blocklist, dst, src, sh[2], sh[3], dir) {
				return Verdict{Drop: true}
			}
			frame.Kind = abi.KindIPv6SCTP
			copy(frame.Proto[:], sh[:])
		case abi.IPProtoICMP6:
			if filters.Network[abi.ICMPv6] {
				return Verdict{}
			}
			ih, ok := abi.PeelICMP(payload)
			if !ok {
				return Verdict{}
			}
			frame.Kind = abi.KindIPv6ICMP
			copy(frame.Proto[:], ih[:])
		default:
			return Verdict{}
		}
		return reserve(frame)
	}

	return Verdict{}
}

// blocked consults the blocklist for dst (always) and, on egress, src too
// (spec.md §4.1 step 6: "Symmetric check on source address may be
// performed for egress"). The port fields are read straight off the
// transport header bytes in network byte order.
func blocked(blocklist *BlocklistMaps, dst, src netip.Addr, portHi, portLo byte, dir abi.Direction) bool {
	if blocklist == nil {
		return false
	}
	port := binary.BigEndian.Uint16([]byte{portHi, portLo})

	if rules, found := blocklist.Lookup(dst); found {
		if rules.IsSentinel() || rules.Contains(port) {
			return true
		}
	}
	if dir == abi.Egress {
		if rules, found := blocklist.Lookup(src); found {
			if rules.IsSentinel() || rules.Contains(port) {
				return true
			}
		}
	}
	return false
}

// reserve models "reserve a ring slot, write the frame, submit" (step 7).
// The software model never fails to reserve; a real ring can (spec.md
// §4.1 failure semantics: ring-full skips emission without dropping the
// packet), which capture.RingReader accounts for on the consume side.
func reserve(frame abi.RawFrame) Verdict {
	return Verdict{Emit: frame, Emitted: true}
}
