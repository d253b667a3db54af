package abi

import (
	"net/netip"
	"testing"
	"time"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestRawFrameSize(t *testing.T) {
	require.Equal(t, RawFrameLen, int(unsafe.Sizeof(RawFrame{})),
		"RawFrame's Go layout drifted from the documented wire size; "+
			"bpf/classifier.c must be rebuilt in lockstep")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   RawFrame
	}{
		{
			name: "ipv4 tcp syn",
			in: func() RawFrame {
				f := RawFrame{
					Eth:  EthHeader{DstMAC: [6]byte{1, 2, 3, 4, 5, 6}, SrcMAC: [6]byte{6, 5, 4, 3, 2, 1}, EtherType: EtherTypeIPv4},
					Kind: KindIPv4TCP,
				}
				f.IP[12], f.IP[13], f.IP[14], f.IP[15] = 10, 0, 0, 1
				f.IP[16], f.IP[17], f.IP[18], f.IP[19] = 10, 0, 0, 2
				f.Proto[0], f.Proto[1] = 0x13, 0x88 // src port 5000
				f.Proto[2], f.Proto[3] = 0x17, 0x70 // dst port 6000
				f.Proto[13] = 0x02                  // SYN
				return f
			}(),
		},
		{
			name: "arp request",
			in: func() RawFrame {
				f := RawFrame{Kind: KindARP}
				f.IP[7] = 1 // op = request
				copy(f.IP[8:14], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
				return f
			}(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.in.Encode()
			got, ok := DecodeRawFrame(encoded[:])
			require.True(t, ok)
			if got != tc.in {
				t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", spew.Sdump(tc.in), spew.Sdump(got))
			}
		})
	}
}

func TestDecodeTCP(t *testing.T) {
	f := RawFrame{Kind: KindIPv4TCP}
	f.IP[12], f.IP[13], f.IP[14], f.IP[15] = 10, 0, 0, 1
	f.IP[16], f.IP[17], f.IP[18], f.IP[19] = 10, 0, 0, 2
	f.Proto[0], f.Proto[1] = 0x13, 0x89 // 5001
	f.Proto[2], f.Proto[3] = 0x17, 0x71 // 6001
	f.Proto[13] = 0x02                  // SYN

	pkt, ok := Decode(f, Ingress, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), pkt.Network.SrcIP)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), pkt.Network.DstIP)
	require.EqualValues(t, 5001, pkt.Network.SrcPort)
	require.EqualValues(t, 6001, pkt.Network.DstPort)
	require.True(t, pkt.Network.Flags.SYN)
	require.False(t, pkt.Network.Flags.ACK)
}

func TestDecodeUnrecognizedICMPFoldsToDeprecated(t *testing.T) {
	f := RawFrame{Kind: KindIPv4ICMP}
	f.Proto[0] = 200 // not in the recognized set
	pkt, ok := Decode(f, Ingress, time.Unix(0, 0))
	require.True(t, ok)
	require.Equal(t, ICMPDeprecated, pkt.Network.ICMPType)
}

func TestDecodeInvalidArpOpFails(t *testing.T) {
	f := RawFrame{Kind: KindARP}
	f.IP[7] = 9 // not a valid ARP opcode
	_, ok := Decode(f, Ingress, time.Unix(0, 0))
	require.False(t, ok)
}

func TestMacAddrBroadcastSentinel(t *testing.T) {
	var zero MacAddr
	require.Equal(t, "ff:ff:ff:ff:ff:ff", zero.String())

	real := MacAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	require.Equal(t, "de:ad:be:ef:00:01", real.String())
}

func TestPortArrayInsertRemove(t *testing.T) {
	var a PortArray
	a, err := a.InsertPort(6001)
	require.NoError(t, err)
	require.False(t, a.IsEmpty())
	require.True(t, a.Contains(6001))

	a = a.RemovePort(6001)
	require.True(t, a.IsEmpty())
}

func TestPortArrayInsertPortZeroRejected(t *testing.T) {
	var a PortArray
	_, err := a.InsertPort(0)
	require.ErrorIs(t, err, ErrSentinelPort)
}

func TestPortArrayFull(t *testing.T) {
	var a PortArray
	var err error
	for i := 0; i < MaxRulesPort; i++ {
		a, err = a.InsertPort(uint16(i + 1))
		require.NoError(t, err)
	}
	_, err = a.InsertPort(9999)
	require.ErrorIs(t, err, ErrPortArrayFull)
}

func TestPortArraySentinelExclusiveWithSinglePorts(t *testing.T) {
	var a PortArray
	a, err := a.InsertPort(7000)
	require.NoError(t, err)

	// Applying the sentinel (block-all) supersedes any existing single
	// ports, per spec.md §8 scenario 3's documented resolution.
	a = Sentinel
	require.True(t, a.IsSentinel())
	require.True(t, a.Contains(1))
	require.True(t, a.Contains(7000))
}

func TestAppPacketCaptureInfo(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	pkt := AppPacket{
		Timestamp: ts,
		Network: NetworkPacket{
			Kind: KindIPv4TCP,
			SrcIP: netip.MustParseAddr("192.0.2.1"), DstIP: netip.MustParseAddr("192.0.2.2"),
		},
	}

	ci := pkt.CaptureInfo()
	require.True(t, ci.Timestamp.Equal(ts))
	require.Equal(t, EthHdrLen+Ipv4HdrLen+TcpHdrLen, ci.Length)
	require.Equal(t, ci.Length, ci.CaptureLength)
}
