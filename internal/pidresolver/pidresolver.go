// Package pidresolver rebuilds a 4-tuple-to-PID map by joining the
// kernel's per-protocol socket tables against every process's open-file
// descriptors, the same join /proc-based tools use to answer "who owns
// this connection" (spec.md §4.9).
package pidresolver

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// procTables are the per-protocol pseudo-files enumerated for the socket
// inode join. Only the IPv4 tables are read, matching the reference
// implementation's pid/tcp.rs; no IPv6 equivalent was present to model.
var procTables = []string{"tcp", "udp"}

// PidResolver answers "which PID owns this 4-tuple" from a snapshot
// rebuilt on demand, grounded on oryx-tui/src/pid.rs and pid/tcp.rs.
type PidResolver struct {
	procRoot string

	mu    sync.RWMutex
	conns map[abi.ConnectionKey]uint32
}

// New constructs a resolver reading the real /proc filesystem.
func New() *PidResolver {
	return NewWithRoot("/proc")
}

// NewWithRoot is New with an injected /proc root, for tests.
func NewWithRoot(procRoot string) *PidResolver {
	return &PidResolver{
		procRoot: procRoot,
		conns:    make(map[abi.ConnectionKey]uint32),
	}
}

// Run rebuilds the connection map once per event received on events,
// until ctx is canceled or events is closed. Callers wire this to
// kernel.SockConnectObserver's Events channel.
func (r *PidResolver) Run(ctx context.Context, events <-chan uint32) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			_ = r.Refresh()
		}
	}
}

// Lookup returns the PID that owns key, if known as of the last Refresh.
func (r *PidResolver) Lookup(key abi.ConnectionKey) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.conns[key]
	return pid, ok
}

// Refresh rebuilds the connection-to-PID map from scratch: first the
// socket-inode-to-4-tuple map from the protocol tables, then the
// PID-to-socket-inode join from every process's fd directory.
func (r *PidResolver) Refresh() error {
	inodes, err := r.buildInodeMap()
	if err != nil {
		return err
	}

	conns := make(map[abi.ConnectionKey]uint32, len(inodes))

	entries, err := os.ReadDir(r.procRoot)
	if err != nil {
		return fmt.Errorf("pidresolver: read %s: %w", r.procRoot, err)
	}
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue // not a pid directory
		}

		fdDir := filepath.Join(r.procRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or fd dir unreadable; skip it
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := parseSocketInode(target)
			if !ok {
				continue
			}
			if key, ok := inodes[inode]; ok {
				conns[key] = uint32(pid)
			}
		}
	}

	r.mu.Lock()
	r.conns = conns
	r.mu.Unlock()
	return nil
}

// parseSocketInode extracts the inode number out of a socket fd symlink
// target of the form "socket:[12345]".
func parseSocketInode(linkTarget string) (uint64, bool) {
	const prefix = "socket:["
	if !strings.HasPrefix(linkTarget, prefix) || !strings.HasSuffix(linkTarget, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(linkTarget[len(prefix):len(linkTarget)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// buildInodeMap reads every configured protocol table and returns the
// union of inode -> 4-tuple mappings. Socket inodes are process-unique
// across protocols, so merging tcp and udp into one map is safe.
func (r *PidResolver) buildInodeMap() (map[uint64]abi.ConnectionKey, error) {
	out := make(map[uint64]abi.ConnectionKey, 256)
	for _, table := range procTables {
		path := filepath.Join(r.procRoot, "net", table)
		if err := r.readTable(path, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PidResolver) readTable(path string, out map[uint64]abi.ConnectionKey) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pidresolver: read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}

		localAddr, localPort, err := splitHexAddrPort(fields[1])
		if err != nil {
			continue
		}
		remoteAddr, remotePort, err := splitHexAddrPort(fields[2])
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}

		out[inode] = abi.ConnectionKey{
			LocalAddr:  localAddr,
			LocalPort:  localPort,
			RemoteAddr: remoteAddr,
			RemotePort: remotePort,
		}
	}
	return nil
}

func splitHexAddrPort(field string) (addr netip.Addr, port uint16, err error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return netip.Addr{}, 0, fmt.Errorf("pidresolver: malformed address field %q", field)
	}
	a, err := decodeHexIPv4(parts[0])
	if err != nil {
		return netip.Addr{}, 0, err
	}
	p, err := decodeHexPort(parts[1])
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return a, p, nil
}

// decodeHexIPv4 decodes /proc/net/tcp-style little-endian hex IPv4
// addresses, e.g. "0100007F" -> 127.0.0.1.
func decodeHexIPv4(s string) (netip.Addr, error) {
	if len(s) != 8 {
		return netip.Addr{}, fmt.Errorf("pidresolver: malformed ipv4 hex %q", s)
	}
	var raw [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return netip.Addr{}, err
		}
		raw[i] = byte(v)
	}
	return netip.AddrFrom4([4]byte{raw[3], raw[2], raw[1], raw[0]}), nil
}

// decodeHexPort decodes a big-endian hex port, e.g. "1F90" -> 8080.
func decodeHexPort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
