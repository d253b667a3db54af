// Package config resolves the flags and environment variables bound by
// cmd/oryx into a validated, typed Config the rest of the program
// consumes (spec.md §6 External Interfaces).
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// Config is the fully resolved runtime configuration, grounded on
// oryx-tui/src/cli.rs's flag set.
type Config struct {
	Interface string
	Transport []abi.TransportProtocol
	Network   []abi.NetworkProtocol
	Link      []abi.LinkProtocol
	Direction []abi.Direction
}

// ValidateInterface checks name against the host's network interfaces
// (spec.md §6: parse_interface validates against the live interface
// list, not a static enum).
func ValidateInterface(name string) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("config: list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return nil
		}
	}
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	return fmt.Errorf("config: interface %q not found, available: %s", name, strings.Join(names, ", "))
}

// ParseTransport parses a comma-delimited --transport value list
// ("tcp,udp", "all") into the set of protocols to allow through the
// filter. "all" expands to every transport protocol.
func ParseTransport(values []string) ([]abi.TransportProtocol, error) {
	if containsAll(values) {
		return abi.AllTransportProtocols(), nil
	}
	out := make([]abi.TransportProtocol, 0, len(values))
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "tcp":
			out = append(out, abi.TCP)
		case "udp":
			out = append(out, abi.UDP)
		case "sctp":
			out = append(out, abi.SCTP)
		default:
			return nil, fmt.Errorf("config: unknown transport protocol %q", v)
		}
	}
	return out, nil
}

// ParseNetwork parses a comma-delimited --network value list
// ("ipv4,ipv6,icmp", "all").
func ParseNetwork(values []string) ([]abi.NetworkProtocol, error) {
	if containsAll(values) {
		return abi.AllNetworkProtocols(), nil
	}
	out := make([]abi.NetworkProtocol, 0, len(values))
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "ipv4":
			out = append(out, abi.IPv4)
		case "ipv6":
			out = append(out, abi.IPv6)
		case "icmp":
			out = append(out, abi.ICMPv4, abi.ICMPv6)
		default:
			return nil, fmt.Errorf("config: unknown network protocol %q", v)
		}
	}
	return out, nil
}

// ParseLink parses a comma-delimited --link value list ("arp", "all").
func ParseLink(values []string) ([]abi.LinkProtocol, error) {
	if containsAll(values) {
		return abi.AllLinkProtocols(), nil
	}
	out := make([]abi.LinkProtocol, 0, len(values))
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "arp":
			out = append(out, abi.ARP)
		default:
			return nil, fmt.Errorf("config: unknown link protocol %q", v)
		}
	}
	return out, nil
}

// ParseDirection parses a comma-delimited --direction value list
// ("ingress,egress", "all").
func ParseDirection(values []string) ([]abi.Direction, error) {
	if containsAll(values) {
		return abi.AllDirections(), nil
	}
	out := make([]abi.Direction, 0, len(values))
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "ingress":
			out = append(out, abi.Ingress)
		case "egress":
			out = append(out, abi.Egress)
		default:
			return nil, fmt.Errorf("config: unknown direction %q", v)
		}
	}
	return out, nil
}

func containsAll(values []string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), "all") {
			return true
		}
	}
	return false
}

// Resolve builds a Config from the raw flag values, validating the
// interface and every protocol/direction list.
func Resolve(iface string, transport, network, link, direction []string) (Config, error) {
	if err := ValidateInterface(iface); err != nil {
		return Config{}, err
	}
	t, err := ParseTransport(transport)
	if err != nil {
		return Config{}, err
	}
	n, err := ParseNetwork(network)
	if err != nil {
		return Config{}, err
	}
	l, err := ParseLink(link)
	if err != nil {
		return Config{}, err
	}
	d, err := ParseDirection(direction)
	if err != nil {
		return Config{}, err
	}
	return Config{Interface: iface, Transport: t, Network: n, Link: l, Direction: d}, nil
}
