package export

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
)

func TestExportWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oryx", "capture")

	packets := []abi.AppPacket{
		{Network: abi.NetworkPacket{
			Kind: abi.KindIPv4TCP, SrcIP: netip.MustParseAddr("10.0.0.1"), SrcPort: 4321,
			DstIP: netip.MustParseAddr("10.0.0.2"), DstPort: 443,
		}},
		{Network: abi.NetworkPacket{Kind: abi.KindARP}},
		{Network: abi.NetworkPacket{
			Kind: abi.KindIPv4ICMP, SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"),
		}},
	}

	require.NoError(t, Export(path, packets))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4) // header + 3 rows
	require.Contains(t, lines[0], "Src Ip")
	require.Contains(t, lines[1], "TCP")
	require.Contains(t, lines[2], "ARP")
	require.Contains(t, lines[3], "ICMP")
}

func TestExportCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested-oryx-dir", "capture")

	require.NoError(t, Export(path, nil))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestExportTruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture")
	require.NoError(t, os.WriteFile(path, []byte("stale content that should be gone\n"), 0o644))

	require.NoError(t, Export(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "stale content")
}
