package bandwidth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const header = "Inter-|   Receive                                                |  Transmit\n" +
	" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"

func writeProcNetDev(t *testing.T, rx, tx uint64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "net_dev")
	content := header + fmtLine("eth0", rx, tx)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fmtLine(iface string, rx, tx uint64) string {
	// The name plus 16 counter columns; only indices 0 (name), 1 (rx bytes) and 9 (tx
	// bytes) matter to the parser.
	return iface + ": " +
		itoa(rx) + " 0 0 0 0 0 0 0 " +
		itoa(tx) + " 0 0 0 0 0 0 0\n"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestBandwidthSamplerSeedsThenDiffs(t *testing.T) {
	path := writeProcNetDev(t, 1000, 2000)
	s := NewWithSource(path)

	require.NoError(t, s.sampleOnce(false))
	samples, _, _ := s.History("eth0")
	require.Empty(t, samples, "the seed read must not record a delta sample")

	require.NoError(t, os.WriteFile(path, []byte(header+fmtLine("eth0", 1000+2048, 2000+4096)), 0o644))
	require.NoError(t, s.sampleOnce(true))

	samples, rxMax, txMax := s.History("eth0")
	require.Len(t, samples, 1)
	require.EqualValues(t, 2, samples[0].RxDeltaKB)
	require.EqualValues(t, 4, samples[0].TxDeltaKB)
	require.EqualValues(t, 2, rxMax)
	require.EqualValues(t, 4, txMax)
}

func TestBandwidthSamplerEvictsOldestOnOverflow(t *testing.T) {
	path := writeProcNetDev(t, 0, 0)
	s := NewWithSource(path)
	require.NoError(t, s.sampleOnce(false))

	rx, tx := uint64(0), uint64(0)
	for i := 0; i < ringCapacity+5; i++ {
		rx += 1024
		tx += 1024
		require.NoError(t, os.WriteFile(path, []byte(header+fmtLine("eth0", rx, tx)), 0o644))
		require.NoError(t, s.sampleOnce(true))
	}

	samples, _, _ := s.History("eth0")
	require.Len(t, samples, ringCapacity)
}

func TestBandwidthSamplerUnknownInterfaceHasNoHistory(t *testing.T) {
	path := writeProcNetDev(t, 0, 0)
	s := NewWithSource(path)
	require.NoError(t, s.sampleOnce(false))

	samples, rxMax, txMax := s.History("does-not-exist")
	require.Nil(t, samples)
	require.Zero(t, rxMax)
	require.Zero(t, txMax)
}
