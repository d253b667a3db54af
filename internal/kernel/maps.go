// Package kernel owns the attachment and lifecycle of the in-kernel
// classifier and socket-connect observer programs, and the userspace
// handles onto their filter/blocklist maps (spec.md §2 "Kernel plane",
// §4.1, §4.4).
//
// Map handles are exclusively owned by the loader goroutine that took them
// from the loaded collection; all mutations travel through the signal
// channels FilterController serializes onto (spec.md §9 "Global singletons
// for kernel-map handles").
package kernel

import (
	"fmt"
	"net/netip"

	"github.com/cilium/ebpf"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// FilterMaps is the userspace handle onto the four kernel filter arrays
// (spec.md §2, §6): transport, network, link, and direction, each a flat
// array of uint32 indexed by the corresponding protocol enum value. A
// nonzero value at an index means "drop".
type FilterMaps struct {
	Transport *ebpf.Map
	Network   *ebpf.Map
	Link      *ebpf.Map
	Direction *ebpf.Map
}

// NewFilterMapSpecs returns the MapSpecs for the four filter arrays, sized
// from the abi protocol enums. Used by NewFilterMaps for tests that
// exercise FilterMaps without attaching to the kernel; the real loader
// takes these maps out of the loaded ELF instead.
func NewFilterMapSpecs() (transport, network, link, direction *ebpf.MapSpec) {
	transport = &ebpf.MapSpec{
		Name:       "transport_filters",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(abi.NumTransportProtocol),
	}
	network = &ebpf.MapSpec{
		Name:       "network_filters",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(abi.NumNetworkProtocol),
	}
	link = &ebpf.MapSpec{
		Name:       "link_filters",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(abi.NumLinkProtocol),
	}
	direction = &ebpf.MapSpec{
		Name:       "direction_filter",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(abi.NumDirection),
	}
	return
}

// NewFilterMaps allocates standalone, non-attached filter maps. This is
// used by tests (the software classifier model in classify.go reads a
// FilterSnapshot instead); the real runtime path instead takes these maps out of the attached
// collection via Loader so the kernel program and userspace agree on the
// same backing map.
func NewFilterMaps() (*FilterMaps, error) {
	tSpec, nSpec, lSpec, dSpec := NewFilterMapSpecs()
	t, err := ebpf.NewMap(tSpec)
	if err != nil {
		return nil, fmt.Errorf("kernel: create transport filter map: %w", err)
	}
	n, err := ebpf.NewMap(nSpec)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("kernel: create network filter map: %w", err)
	}
	l, err := ebpf.NewMap(lSpec)
	if err != nil {
		t.Close()
		n.Close()
		return nil, fmt.Errorf("kernel: create link filter map: %w", err)
	}
	d, err := ebpf.NewMap(dSpec)
	if err != nil {
		t.Close()
		n.Close()
		l.Close()
		return nil, fmt.Errorf("kernel: create direction filter map: %w", err)
	}
	return &FilterMaps{Transport: t, Network: n, Link: l, Direction: d}, nil
}

// Close releases all four map file descriptors.
func (m *FilterMaps) Close() {
	m.Transport.Close()
	m.Network.Close()
	m.Link.Close()
	m.Direction.Close()
}

// SetTransport writes a single-cell toggle into the transport filter map.
func (m *FilterMaps) SetTransport(p abi.TransportProtocol, drop bool) error {
	return setFlag(m.Transport, uint32(p), drop)
}

func (m *FilterMaps) SetNetwork(p abi.NetworkProtocol, drop bool) error {
	return setFlag(m.Network, uint32(p), drop)
}

func (m *FilterMaps) SetLink(p abi.LinkProtocol, drop bool) error {
	return setFlag(m.Link, uint32(p), drop)
}

func (m *FilterMaps) SetDirection(d abi.Direction, drop bool) error {
	return setFlag(m.Direction, uint32(d), drop)
}

func setFlag(m *ebpf.Map, index uint32, drop bool) error {
	var v uint32
	if drop {
		v = 1
	}
	return m.Put(index, v)
}

// FilterSnapshot is a point-in-time read of the four filter arrays,
// consulted by the software classifier model (classify.go) and by tests.
type FilterSnapshot struct {
	Transport [abi.NumTransportProtocol]bool
	Network   [abi.NumNetworkProtocol]bool
	Link      [abi.NumLinkProtocol]bool
	Direction [abi.NumDirection]bool
}

// Snapshot reads every cell of the four maps into a FilterSnapshot.
func (m *FilterMaps) Snapshot() (FilterSnapshot, error) {
	var snap FilterSnapshot
	for i := range snap.Transport {
		var v uint32
		if err := m.Transport.Lookup(uint32(i), &v); err != nil {
			return snap, fmt.Errorf("kernel: read transport filter %d: %w", i, err)
		}
		snap.Transport[i] = v != 0
	}
	for i := range snap.Network {
		var v uint32
		if err := m.Network.Lookup(uint32(i), &v); err != nil {
			return snap, fmt.Errorf("kernel: read network filter %d: %w", i, err)
		}
		snap.Network[i] = v != 0
	}
	for i := range snap.Link {
		var v uint32
		if err := m.Link.Lookup(uint32(i), &v); err != nil {
			return snap, fmt.Errorf("kernel: read link filter %d: %w", i, err)
		}
		snap.Link[i] = v != 0
	}
	for i := range snap.Direction {
		var v uint32
		if err := m.Direction.Lookup(uint32(i), &v); err != nil {
			return snap, fmt.Errorf("kernel: read direction filter %d: %w", i, err)
		}
		snap.Direction[i] = v != 0
	}
	return snap, nil
}

// BlocklistMaps is the userspace handle onto the two port-blocklist hash
// maps (spec.md §3, §6): IPv4 keyed by the address's four octets in
// network (big-endian) order, IPv6 keyed by its 16 octets, value in both
// cases a PortArray.
type BlocklistMaps struct {
	IPv4 *ebpf.Map
	IPv6 *ebpf.Map
}

func NewBlocklistMapSpecs() (v4, v6 *ebpf.MapSpec) {
	v4 = &ebpf.MapSpec{
		Name:       "blocklist_ipv4",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  2 * abi.MaxRulesPort,
		MaxEntries: 4096,
	}
	v6 = &ebpf.MapSpec{
		Name:       "blocklist_ipv6",
		Type:       ebpf.Hash,
		KeySize:    16,
		ValueSize:  2 * abi.MaxRulesPort,
		MaxEntries: 4096,
	}
	return
}

func NewBlocklistMaps() (*BlocklistMaps, error) {
	v4Spec, v6Spec := NewBlocklistMapSpecs()
	v4, err := ebpf.NewMap(v4Spec)
	if err != nil {
		return nil, fmt.Errorf("kernel: create ipv4 blocklist map: %w", err)
	}
	v6, err := ebpf.NewMap(v6Spec)
	if err != nil {
		v4.Close()
		return nil, fmt.Errorf("kernel: create ipv6 blocklist map: %w", err)
	}
	return &BlocklistMaps{IPv4: v4, IPv6: v6}, nil
}

func (m *BlocklistMaps) Close() {
	m.IPv4.Close()
	m.IPv6.Close()
}

// addrKeyV4 converts an IPv4 addr into the blocklist_ipv4 map key: its
// four octets in network (big-endian) order, the same bytes the
// classifier looks up straight from the IP header. IPv6 keys are the raw
// 16 octets (see mapAndKey).
func addrKeyV4(addr netip.Addr) [4]byte {
	return addr.As4()
}

// InsertPort adds port to addr's blocked-port set, creating the entry if
// none exists yet. all reports whether this is a block-all rule, which
// writes the sentinel PortArray directly rather than going through
// PortArray.InsertPort (spec.md §3: the sentinel is written explicitly,
// not reached by filling every slot).
func (m *BlocklistMaps) InsertPort(addr netip.Addr, port uint16, all bool) error {
	mp, key, err := m.mapAndKey(addr)
	if err != nil {
		return err
	}

	if all {
		return mp.Put(key, abi.Sentinel)
	}

	var current abi.PortArray
	err = mp.Lookup(key, &current)
	if err != nil {
		current = abi.PortArray{}
	}
	updated, err := current.InsertPort(port)
	if err != nil {
		return err
	}
	return mp.Put(key, updated)
}

// RemovePort removes port from addr's blocked-port set. If the set becomes
// empty the map entry is deleted entirely (spec.md §3). all reports
// whether this removes a block-all rule, which always deletes the entry.
func (m *BlocklistMaps) RemovePort(addr netip.Addr, port uint16, all bool) error {
	mp, key, err := m.mapAndKey(addr)
	if err != nil {
		return err
	}

	if all {
		return mp.Delete(key)
	}

	var current abi.PortArray
	if err := mp.Lookup(key, &current); err != nil {
		return nil // nothing to remove
	}
	updated := current.RemovePort(port)
	if updated.IsEmpty() {
		return mp.Delete(key)
	}
	return mp.Put(key, updated)
}

func (m *BlocklistMaps) mapAndKey(addr netip.Addr) (*ebpf.Map, interface{}, error) {
	if addr.Is4() {
		return m.IPv4, addrKeyV4(addr), nil
	}
	if addr.Is6() {
		b := addr.As16()
		return m.IPv6, b, nil
	}
	return nil, nil, fmt.Errorf("kernel: address %s is neither v4 nor v6", addr)
}

// Lookup returns the PortArray currently blocking addr, and whether an
// entry exists at all.
func (m *BlocklistMaps) Lookup(addr netip.Addr) (abi.PortArray, bool) {
	mp, key, err := m.mapAndKey(addr)
	if err != nil {
		return abi.PortArray{}, false
	}
	var out abi.PortArray
	if err := mp.Lookup(key, &out); err != nil {
		return abi.PortArray{}, false
	}
	return out, true
}
