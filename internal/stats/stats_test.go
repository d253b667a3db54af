package stats

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
	"github.com/pythops/oryx-sub000/internal/store"
)

func noResolve(string) ([]string, error) { return nil, nil }

func TestStatsAggregatorCountsByLayer(t *testing.T) {
	s := store.New()
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindARP}})
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{
		Kind: abi.KindIPv4TCP, DstIP: netip.MustParseAddr("93.184.216.34"),
	}})
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{
		Kind: abi.KindIPv6UDP, DstIP: netip.MustParseAddr("2606:2800:220:1:248:1893:25c8:1946"),
	}})

	agg := NewWithResolver(s, noResolve)
	agg.scan()

	snap := agg.Snapshot()
	require.EqualValues(t, 3, snap.Total)
	require.EqualValues(t, 1, snap.Link.ARP)
	require.EqualValues(t, 1, snap.Network.IPv4)
	require.EqualValues(t, 1, snap.Network.IPv6)
	require.EqualValues(t, 1, snap.Transport.TCP)
	require.EqualValues(t, 1, snap.Transport.UDP)
}

func TestStatsAggregatorSkipsPrivateAndLoopbackDestinations(t *testing.T) {
	s := store.New()
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{
		Kind: abi.KindIPv4TCP, DstIP: netip.MustParseAddr("192.168.1.1"),
	}})
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{
		Kind: abi.KindIPv4TCP, DstIP: netip.MustParseAddr("127.0.0.1"),
	}})

	agg := NewWithResolver(s, noResolve)
	agg.scan()

	require.Empty(t, agg.TopAddresses(10))
}

func TestStatsAggregatorTopAddressesOrdersDescending(t *testing.T) {
	s := store.New()
	popular := netip.MustParseAddr("93.184.216.34")
	rare := netip.MustParseAddr("1.1.1.1")
	for i := 0; i < 5; i++ {
		s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindIPv4TCP, DstIP: popular}})
	}
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindIPv4TCP, DstIP: rare}})

	agg := NewWithResolver(s, noResolve)
	agg.scan()

	top := agg.TopAddresses(10)
	require.Len(t, top, 2)
	require.Equal(t, popular, top[0].Addr)
	require.EqualValues(t, 5, top[0].Count)
}

func TestStatsAggregatorRefreshDoesNotBlockOnSlowResolver(t *testing.T) {
	release := make(chan struct{})
	slow := func(string) ([]string, error) {
		<-release
		return []string{"example.test."}, nil
	}

	s := store.New()
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{
		Kind: abi.KindIPv4TCP, DstIP: netip.MustParseAddr("93.184.216.34"),
	}})

	agg := NewWithResolver(s, slow)
	defer close(release)

	done := make(chan struct{})
	go func() {
		agg.scan()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scan() blocked on a resolver that hadn't returned yet")
	}

	snap := agg.Snapshot()
	require.EqualValues(t, 1, snap.Total)
}

func TestStatsAggregatorHostnamePopulatesAsynchronously(t *testing.T) {
	var calls atomic.Int32
	resolve := func(string) ([]string, error) {
		calls.Add(1)
		return []string{"example.test."}, nil
	}

	s := store.New()
	addr := netip.MustParseAddr("93.184.216.34")
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindIPv4TCP, DstIP: addr}})

	agg := NewWithResolver(s, resolve)
	// Run is never started here and Stop waits for Run to exit, so the
	// resolver workers are retired by closing their job queue directly.
	defer close(agg.resolveJobs)
	agg.scan()

	require.Eventually(t, func() bool {
		top := agg.TopAddresses(1)
		return len(top) == 1 && top[0].Hostname == "example.test."
	}, time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	// A repeat packet for the same address must not re-dispatch a lookup:
	// the already-attempted marker is per-address, not per-failure.
	s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindIPv4TCP, DstIP: addr}})
	agg.scan()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestStatsAggregatorRunPicksUpNewPackets(t *testing.T) {
	s := store.New()
	agg := NewWithResolver(s, noResolve)
	go agg.Run()
	defer agg.Stop()

	s.Append(abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindARP}})

	require.Eventually(t, func() bool {
		return agg.Snapshot().Total == 1
	}, time.Second, 10*time.Millisecond)
}
