package kernel

// These tests create real BPF_MAP_TYPE_ARRAY/_HASH maps via ebpf.NewMap
// and therefore require CAP_BPF (or root) and a kernel with BPF map
// support enabled, mirroring DataDog-datadog-agent's
// cmd/system-probe/subcommands/ebpf command tests.

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
)

func TestFilterMapsSetAndSnapshot(t *testing.T) {
	fm, err := NewFilterMaps()
	require.NoError(t, err)
	defer fm.Close()

	require.NoError(t, fm.SetTransport(abi.UDP, true))
	require.NoError(t, fm.SetDirection(abi.Egress, true))

	snap, err := fm.Snapshot()
	require.NoError(t, err)
	require.True(t, snap.Transport[abi.UDP])
	require.False(t, snap.Transport[abi.TCP])
	require.True(t, snap.Direction[abi.Egress])
	require.False(t, snap.Direction[abi.Ingress])
}

func TestBlocklistMapsInsertAndRemove(t *testing.T) {
	bl, err := NewBlocklistMaps()
	require.NoError(t, err)
	defer bl.Close()

	addr := netip.MustParseAddr("192.168.1.10")
	require.NoError(t, bl.InsertPort(addr, 443, false))
	require.NoError(t, bl.InsertPort(addr, 22, false))

	rules, found := bl.Lookup(addr)
	require.True(t, found)
	require.True(t, rules.Contains(443))
	require.True(t, rules.Contains(22))
	require.False(t, rules.Contains(80))

	require.NoError(t, bl.RemovePort(addr, 443, false))
	require.NoError(t, bl.RemovePort(addr, 22, false))
	_, found = bl.Lookup(addr)
	require.False(t, found, "emptying the port array should delete the map entry")
}

func TestBlocklistMapsSentinel(t *testing.T) {
	bl, err := NewBlocklistMaps()
	require.NoError(t, err)
	defer bl.Close()

	addr := netip.MustParseAddr("2001:db8::1")
	require.NoError(t, bl.InsertPort(addr, 0, true))

	rules, found := bl.Lookup(addr)
	require.True(t, found)
	require.True(t, rules.IsSentinel())
	require.True(t, rules.Contains(9999))

	require.NoError(t, bl.RemovePort(addr, 0, true))
	_, found = bl.Lookup(addr)
	require.False(t, found)
}
