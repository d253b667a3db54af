// Package abi defines the fixed-layout records and map schemas shared
// between the kernel classifier and the userspace ingest pipeline. Any
// change here is a breaking change to both halves (spec.md §3, §6).
package abi

import "fmt"

// TransportProtocol enumerates the transport-layer filter dimension.
// Values are the canonical index into the kernel's transport filter map
// (spec.md §6: "indexed by a protocol enum's integer value").
type TransportProtocol uint32

const (
	TCP TransportProtocol = iota
	UDP
	SCTP

	NumTransportProtocol
)

func (p TransportProtocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case SCTP:
		return "SCTP"
	default:
		return fmt.Sprintf("TransportProtocol(%d)", uint32(p))
	}
}

// AllTransportProtocols returns every transport protocol the filter UI can
// toggle independently.
func AllTransportProtocols() []TransportProtocol {
	return []TransportProtocol{TCP, UDP, SCTP}
}

// NetworkProtocol enumerates the network-layer filter dimension.
type NetworkProtocol uint32

const (
	IPv4 NetworkProtocol = iota
	IPv6
	ICMPv4
	ICMPv6

	NumNetworkProtocol
)

func (p NetworkProtocol) String() string {
	switch p {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case ICMPv4:
		return "ICMPv4"
	case ICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("NetworkProtocol(%d)", uint32(p))
	}
}

func AllNetworkProtocols() []NetworkProtocol {
	return []NetworkProtocol{IPv4, IPv6, ICMPv4, ICMPv6}
}

// LinkProtocol enumerates the link-layer filter dimension. Only ARP is
// distinguished at this layer; everything else either carries an IP
// payload (network layer) or is passed through unrecognized.
type LinkProtocol uint32

const (
	ARP LinkProtocol = iota

	NumLinkProtocol
)

func (p LinkProtocol) String() string {
	switch p {
	case ARP:
		return "ARP"
	default:
		return fmt.Sprintf("LinkProtocol(%d)", uint32(p))
	}
}

func AllLinkProtocols() []LinkProtocol {
	return []LinkProtocol{ARP}
}

// Direction is the traffic direction relative to the host, and also the
// index into the kernel's direction filter map (one cell per direction).
type Direction uint32

const (
	Ingress Direction = iota
	Egress

	NumDirection
)

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "Ingress"
	case Egress:
		return "Egress"
	default:
		return fmt.Sprintf("Direction(%d)", uint32(d))
	}
}

func AllDirections() []Direction {
	return []Direction{Ingress, Egress}
}

// Protocol is a tagged union over the three filter dimensions, mirroring
// oryx-common's Protocol enum (spec.md §6's per-dimension filter maps).
type Protocol struct {
	Transport TransportProtocol
	Network   NetworkProtocol
	Link      LinkProtocol
	Kind      ProtocolKind
}

// ProtocolKind discriminates which field of Protocol is populated.
type ProtocolKind uint8

const (
	KindTransport ProtocolKind = iota
	KindNetwork
	KindLink
)

func TransportP(p TransportProtocol) Protocol { return Protocol{Transport: p, Kind: KindTransport} }
func NetworkP(p NetworkProtocol) Protocol     { return Protocol{Network: p, Kind: KindNetwork} }
func LinkP(p LinkProtocol) Protocol           { return Protocol{Link: p, Kind: KindLink} }

func (p Protocol) String() string {
	switch p.Kind {
	case KindTransport:
		return p.Transport.String()
	case KindNetwork:
		return p.Network.String()
	case KindLink:
		return p.Link.String()
	default:
		return "Protocol(invalid)"
	}
}
