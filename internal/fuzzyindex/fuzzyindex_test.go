package fuzzyindex

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
	"github.com/pythops/oryx-sub000/internal/store"
)

func tcpPkt(dstPort uint16) abi.AppPacket {
	return abi.AppPacket{
		Direction: abi.Ingress,
		Network: abi.NetworkPacket{
			Kind:    abi.KindIPv4TCP,
			SrcIP:   netip.MustParseAddr("10.0.0.1"),
			DstIP:   netip.MustParseAddr("10.0.0.2"),
			SrcPort: 5000,
			DstPort: dstPort,
		},
	}
}

func TestFuzzyIndexFindsExistingMatches(t *testing.T) {
	s := store.New()
	s.Append(tcpPkt(80))
	s.Append(tcpPkt(443))
	s.Append(tcpPkt(80))

	fi := New(s)
	fi.Enable()
	fi.SetPattern("80")
	go fi.Run()
	defer fi.Stop()

	require.Eventually(t, func() bool {
		return len(fi.Matches()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFuzzyIndexAppendsIncrementally(t *testing.T) {
	s := store.New()
	s.Append(tcpPkt(80))

	fi := New(s)
	fi.Enable()
	fi.SetPattern("80")
	go fi.Run()
	defer fi.Stop()

	require.Eventually(t, func() bool {
		return len(fi.Matches()) == 1
	}, time.Second, 5*time.Millisecond)

	s.Append(tcpPkt(443))
	s.Append(tcpPkt(80))

	require.Eventually(t, func() bool {
		return len(fi.Matches()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFuzzyIndexPatternChangeTriggersFullRescan(t *testing.T) {
	s := store.New()
	s.Append(tcpPkt(80))
	s.Append(tcpPkt(443))

	fi := New(s)
	fi.Enable()
	fi.SetPattern("80")
	go fi.Run()
	defer fi.Stop()

	require.Eventually(t, func() bool {
		return len(fi.Matches()) == 1
	}, time.Second, 5*time.Millisecond)

	fi.SetPattern("443")
	require.Eventually(t, func() bool {
		m := fi.Matches()
		return len(m) == 1 && m[0].Network.DstPort == 443
	}, time.Second, 5*time.Millisecond)
}

func TestFuzzyIndexDisabledDoesNothing(t *testing.T) {
	s := store.New()
	s.Append(tcpPkt(80))

	fi := New(s)
	fi.SetPattern("80")
	go fi.Run()
	defer fi.Stop()

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, fi.Matches())
}

func TestFuzzyIndexDisableResetsState(t *testing.T) {
	s := store.New()
	s.Append(tcpPkt(80))

	fi := New(s)
	fi.Enable()
	fi.SetPattern("80")
	go fi.Run()
	defer fi.Stop()

	require.Eventually(t, func() bool {
		return len(fi.Matches()) == 1
	}, time.Second, 5*time.Millisecond)

	fi.Disable()
	require.False(t, fi.IsEnabled())
	require.Empty(t, fi.Matches())
	require.Empty(t, fi.Pattern())
}
