package kernel

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/pythops/oryx-sub000/internal/abi"
	"github.com/pythops/oryx-sub000/internal/kernel/bpf"
)

// programPriority and programHandle pick TC filter slots that do not
// collide with anything else the host might attach (spec.md is silent on
// the exact values; chosen to match common eBPF TC agents such as
// cilium's own datapath attachment).
const (
	programPriority = 1
	programHandle   = 1
)

// Loader owns the lifetime of one interface's kernel-plane attachment:
// loading the classifier's compiled object, attaching it to ingress and
// egress via a clsact qdisc, and exposing the four filter maps and two
// blocklist maps for FilterController to drive (spec.md §2 "Kernel
// plane").
//
// Grounded on oryx-tui/src/ebpf/ingress.rs's EbpfLoader/TC-attach
// structure and DataDog-datadog-agent's cilium/ebpf map/collection usage.
type Loader struct {
	log   logrus.FieldLogger
	iface string

	coll *ebpf.Collection

	Filters    *FilterMaps
	Blocklists *BlocklistMaps

	ingressRing *ringbuf.Reader
	egressRing  *ringbuf.Reader

	mu     sync.Mutex
	closed bool
}

// LoadAndAttach loads the embedded classifier object, attaches it to both
// directions of iface via a TC clsact qdisc, and opens the ring buffers.
// Requires CAP_NET_ADMIN and CAP_BPF (or root); callers typically surface
// a wrapped error up to cmd/oryx's exit-code handling (spec.md §7).
func LoadAndAttach(ctx context.Context, iface string, log logrus.FieldLogger) (*Loader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("kernel: remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpf.ClassifierObject))
	if err != nil {
		return nil, fmt.Errorf("kernel: load embedded classifier object: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("kernel: instantiate classifier collection: %w", err)
	}

	l := &Loader{log: log, iface: iface, coll: coll}

	if err := l.attachMaps(); err != nil {
		coll.Close()
		return nil, err
	}

	if err := l.attachTC(iface); err != nil {
		l.Close()
		return nil, err
	}

	if err := l.openRings(); err != nil {
		l.Close()
		return nil, err
	}

	log.WithField("interface", iface).Info("kernel classifier attached")
	return l, nil
}

func (l *Loader) attachMaps() error {
	transport, ok := l.coll.Maps["transport_filters"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing transport_filters map")
	}
	network, ok := l.coll.Maps["network_filters"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing network_filters map")
	}
	linkMap, ok := l.coll.Maps["link_filters"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing link_filters map")
	}
	direction, ok := l.coll.Maps["direction_filter"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing direction_filter map")
	}
	v4, ok := l.coll.Maps["blocklist_ipv4"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing blocklist_ipv4 map")
	}
	v6, ok := l.coll.Maps["blocklist_ipv6"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing blocklist_ipv6 map")
	}

	l.Filters = &FilterMaps{Transport: transport, Network: network, Link: linkMap, Direction: direction}
	l.Blocklists = &BlocklistMaps{IPv4: v4, IPv6: v6}
	return nil
}

// attachTC creates (or reuses) the clsact qdisc on iface and attaches the
// classifier program to both its ingress and egress filter chains
// (spec.md §2: "one instance attached to ingress, one to egress").
func (l *Loader) attachTC(iface string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("kernel: lookup interface %s: %w", iface, err)
	}

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return fmt.Errorf("kernel: add clsact qdisc on %s: %w", iface, err)
	}

	ingressProg, ok := l.coll.Programs["classify_ingress"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing classify_ingress program")
	}
	egressProg, ok := l.coll.Programs["classify_egress"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing classify_egress program")
	}

	ingressFilter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_MIN_INGRESS,
			Handle:    programHandle,
			Protocol:  3, // ETH_P_ALL, host byte order per vishvananda/netlink convention
			Priority:  programPriority,
		},
		Fd:           ingressProg.FD(),
		Name:         "oryx_classify_ingress",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(ingressFilter); err != nil {
		return fmt.Errorf("kernel: attach ingress classifier on %s: %w", iface, err)
	}

	egressFilter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_MIN_EGRESS,
			Handle:    programHandle,
			Protocol:  3,
			Priority:  programPriority,
		},
		Fd:           egressProg.FD(),
		Name:         "oryx_classify_egress",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(egressFilter); err != nil {
		return fmt.Errorf("kernel: attach egress classifier on %s: %w", iface, err)
	}

	return nil
}

func (l *Loader) openRings() error {
	ingressRingMap, ok := l.coll.Maps["ingress_ring"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing ingress_ring map")
	}
	egressRingMap, ok := l.coll.Maps["egress_ring"]
	if !ok {
		return fmt.Errorf("kernel: classifier object missing egress_ring map")
	}

	ir, err := ringbuf.NewReader(ingressRingMap)
	if err != nil {
		return fmt.Errorf("kernel: open ingress ring reader: %w", err)
	}
	er, err := ringbuf.NewReader(egressRingMap)
	if err != nil {
		ir.Close()
		return fmt.Errorf("kernel: open egress ring reader: %w", err)
	}

	l.ingressRing = ir
	l.egressRing = er
	return nil
}

// Ring returns the ringbuf.Reader for dir, used by capture.RingReader to
// drain records (spec.md §4.2).
func (l *Loader) Ring(dir abi.Direction) *ringbuf.Reader {
	if dir == abi.Egress {
		return l.egressRing
	}
	return l.ingressRing
}

// Close detaches the TC filters, the clsact qdisc left in place for other
// consumers (removing it is deferred to whoever added it last — spec.md
// doesn't mandate qdisc teardown ordering), closes the ring readers, and
// unloads the collection.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if link, err := netlink.LinkByName(l.iface); err != nil {
		record(fmt.Errorf("kernel: lookup interface %s: %w", l.iface, err))
	} else {
		for _, parent := range []uint32{netlink.HANDLE_MIN_INGRESS, netlink.HANDLE_MIN_EGRESS} {
			record(netlink.FilterDel(&netlink.BpfFilter{FilterAttrs: netlink.FilterAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    parent,
				Handle:    programHandle,
				Protocol:  3,
				Priority:  programPriority,
			}}))
		}
	}

	if l.ingressRing != nil {
		record(l.ingressRing.Close())
	}
	if l.egressRing != nil {
		record(l.egressRing.Close())
	}
	if l.Filters != nil {
		l.Filters.Close()
	}
	if l.Blocklists != nil {
		l.Blocklists.Close()
	}
	if l.coll != nil {
		l.coll.Close()
	}

	l.log.WithField("interface", l.iface).Info("kernel classifier detached")
	return firstErr
}
