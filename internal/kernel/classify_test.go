package kernel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
)

func ipv4TCPFrame(src, dst netip.Addr, srcPort, dstPort uint16, flags byte) []byte {
	buf := make([]byte, 14+20+20)
	buf[12], buf[13] = 0x08, 0x00 // ETH_P_IP

	ipOff := 14
	buf[ipOff] = 0x45 // version 4, IHL 5
	srcB := src.As4()
	dstB := dst.As4()
	copy(buf[ipOff+12:ipOff+16], srcB[:])
	copy(buf[ipOff+16:ipOff+20], dstB[:])
	buf[ipOff+9] = abi.IPProtoTCP

	tcpOff := ipOff + 20
	buf[tcpOff], buf[tcpOff+1] = byte(srcPort>>8), byte(srcPort)
	buf[tcpOff+2], buf[tcpOff+3] = byte(dstPort>>8), byte(dstPort)
	buf[tcpOff+13] = flags
	return buf
}

func allPassFilters() FilterSnapshot {
	return FilterSnapshot{}
}

func ipv4ICMPFrame(src, dst netip.Addr) []byte {
	buf := make([]byte, 14+20+8)
	buf[12], buf[13] = 0x08, 0x00 // ETH_P_IP

	ipOff := 14
	buf[ipOff] = 0x45
	srcB := src.As4()
	dstB := dst.As4()
	copy(buf[ipOff+12:ipOff+16], srcB[:])
	copy(buf[ipOff+16:ipOff+20], dstB[:])
	buf[ipOff+9] = abi.IPProtoICMP
	return buf
}

func ipv6ICMPFrame(src, dst netip.Addr) []byte {
	buf := make([]byte, 14+40+8)
	buf[12], buf[13] = 0x86, 0xDD // ETH_P_IPV6

	ipOff := 14
	buf[ipOff] = 0x60 // version 6
	srcB := src.As16()
	dstB := dst.As16()
	buf[ipOff+6] = abi.IPProtoICMP6
	copy(buf[ipOff+8:ipOff+24], srcB[:])
	copy(buf[ipOff+24:ipOff+40], dstB[:])
	return buf
}

func TestClassifyPassesUnfilteredTCP(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4TCPFrame(src, dst, 5000, 80, 0x02)

	v := Classify(raw, abi.Ingress, allPassFilters(), nil)
	require.False(t, v.Drop)
	require.True(t, v.Emitted)
	require.Equal(t, abi.KindIPv4TCP, v.Emit.Kind)
}

func TestClassifyHonorsTransportFilter(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4TCPFrame(src, dst, 5000, 80, 0x02)

	filters := allPassFilters()
	filters.Transport[abi.TCP] = true

	v := Classify(raw, abi.Ingress, filters, nil)
	require.False(t, v.Drop)
	require.False(t, v.Emitted)
}

func TestClassifyHonorsICMPv4NetworkFilterIndependentlyOfIPv4(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4ICMPFrame(src, dst)

	filters := allPassFilters()
	filters.Network[abi.ICMPv4] = true

	v := Classify(raw, abi.Ingress, filters, nil)
	require.False(t, v.Drop)
	require.False(t, v.Emitted, "dropping the ICMPv4 filter alone must suppress ICMP, not just IPv4")

	// Deselecting only ICMPv4 must not affect plain IPv4 traffic sharing
	// the same top-level ethertype gate.
	tcp := ipv4TCPFrame(src, dst, 5000, 80, 0x02)
	v = Classify(tcp, abi.Ingress, filters, nil)
	require.True(t, v.Emitted)
}

func TestClassifyHonorsICMPv6NetworkFilterIndependentlyOfIPv6(t *testing.T) {
	src := netip.MustParseAddr("fe80::1")
	dst := netip.MustParseAddr("fe80::2")
	raw := ipv6ICMPFrame(src, dst)

	filters := allPassFilters()
	filters.Network[abi.ICMPv6] = true

	v := Classify(raw, abi.Ingress, filters, nil)
	require.False(t, v.Drop)
	require.False(t, v.Emitted)
}

func TestClassifyPassesICMPWhenOnlyIPv4FilterIsSet(t *testing.T) {
	// A bare --network icmp selection (ipv4/ipv6 both excluded) must not
	// suppress ICMP: the outer ethertype gate only filters IPv4/IPv6
	// network-layer traffic, ICMP is gated solely by its own key.
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4ICMPFrame(src, dst)

	filters := allPassFilters()
	filters.Network[abi.IPv4] = true

	v := Classify(raw, abi.Ingress, filters, nil)
	require.True(t, v.Emitted)
	require.Equal(t, abi.KindIPv4ICMP, v.Emit.Kind)
}

func TestClassifyHonorsDirectionFilter(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4TCPFrame(src, dst, 5000, 80, 0x02)

	filters := allPassFilters()
	filters.Direction[abi.Ingress] = true

	v := Classify(raw, abi.Ingress, filters, nil)
	require.False(t, v.Emitted)
}

func TestClassifyDropsBlockedDestinationPort(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4TCPFrame(src, dst, 5000, 80, 0x02)

	bl, err := NewBlocklistMaps()
	require.NoError(t, err)
	defer bl.Close()
	require.NoError(t, bl.InsertPort(dst, 80, false))

	v := Classify(raw, abi.Ingress, allPassFilters(), bl)
	require.True(t, v.Drop)
	require.False(t, v.Emitted)
}

func TestClassifySentinelBlocksAllPorts(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ipv4TCPFrame(src, dst, 5000, 12345, 0x02)

	bl, err := NewBlocklistMaps()
	require.NoError(t, err)
	defer bl.Close()
	require.NoError(t, bl.InsertPort(dst, 0, true))

	v := Classify(raw, abi.Ingress, allPassFilters(), bl)
	require.True(t, v.Drop)
}

func TestClassifyUnhandledEthertypePasses(t *testing.T) {
	raw := make([]byte, 14)
	raw[12], raw[13] = 0x12, 0x34 // not IPv4/IPv6/ARP
	v := Classify(raw, abi.Ingress, allPassFilters(), nil)
	require.False(t, v.Drop)
	require.False(t, v.Emitted)
}

func TestClassifyTruncatedFramePasses(t *testing.T) {
	raw := []byte{1, 2, 3}
	v := Classify(raw, abi.Ingress, allPassFilters(), nil)
	require.False(t, v.Drop)
	require.False(t, v.Emitted)
}
