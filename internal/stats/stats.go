// Package stats maintains rolling protocol-layer counters and a top-N
// destination-address frequency map with best-effort reverse-hostname
// enrichment (spec.md §4.6).
package stats

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// cadence is the background scan interval (spec.md §4.6: "a 500 ms
// cadence scans new records").
const cadence = 500 * time.Millisecond

// resolverPoolSize bounds how many reverse-DNS lookups run concurrently,
// and resolveQueueSize bounds how many are queued waiting for a worker;
// a queue overflow is a dropped (not blocked) lookup, matching SPEC_FULL.md
// §3's "bounded best-effort goroutine pool" for async DNS resolution.
const (
	resolverPoolSize = 8
	resolveQueueSize = 256
)

// LinkStats counts link-layer frames by kind.
type LinkStats struct {
	ARP uint64
}

// NetworkStats counts network-layer packets by kind.
type NetworkStats struct {
	IPv4  uint64
	IPv6  uint64
	ICMP4 uint64
	ICMP6 uint64
}

// TransportStats counts transport-layer packets by kind.
type TransportStats struct {
	TCP  uint64
	UDP  uint64
	SCTP uint64
}

// AddressCount is one destination address's observed frequency, with its
// reverse-resolved hostname when available.
type AddressCount struct {
	Addr     netip.Addr
	Hostname string // empty if resolution failed or was never attempted
	Count    uint64
}

// Store is the subset of store.PacketStore the aggregator needs.
type Store interface {
	Len() int
	Range(lo, hi int, f func(abi.AppPacket)) int
}

// Resolver performs reverse hostname lookups; satisfied by net.LookupAddr.
// Parameterized so tests can avoid real DNS traffic.
type Resolver func(addr string) ([]string, error)

// addressEntry adds a resolution-dispatch marker to AddressCount: once
// attempted is true, refresh never re-queues a lookup for this address,
// whether or not that lookup ultimately succeeded (spec.md's "already
// attempted" marker — one shot per address, not one shot per failure).
type addressEntry struct {
	AddressCount
	attempted bool
}

// StatsAggregator holds rolling counters scanned out of a PacketStore on
// a fixed cadence, grounded on oryx-tui/src/stats.rs's Stats::refresh.
type StatsAggregator struct {
	store    Store
	resolve  Resolver
	lastSeen int

	mu        sync.RWMutex
	total     uint64
	link      LinkStats
	network   NetworkStats
	transport TransportStats
	addresses map[netip.Addr]*addressEntry

	resolveJobs chan netip.Addr

	stop chan struct{}
	done chan struct{}
}

// New constructs a StatsAggregator over store, using net.LookupAddr for
// reverse DNS.
func New(store Store) *StatsAggregator {
	return NewWithResolver(store, net.LookupAddr)
}

// NewWithResolver is New with an injected resolver, for tests. It starts
// the bounded resolver worker pool immediately so a lookup dispatched
// from the first refresh() has somewhere to land.
func NewWithResolver(store Store, resolve Resolver) *StatsAggregator {
	s := &StatsAggregator{
		store:       store,
		resolve:     resolve,
		addresses:   make(map[netip.Addr]*addressEntry, 1024),
		resolveJobs: make(chan netip.Addr, resolveQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := 0; i < resolverPoolSize; i++ {
		go s.resolveWorker()
	}
	return s
}

// resolveWorker drains queued reverse-DNS lookups one at a time, entirely
// off s.mu: the blocking net.LookupAddr call happens here, never while
// refresh/Snapshot/TopAddresses hold the lock, so a slow or hanging
// resolver stalls at most resolverPoolSize in-flight lookups, never the
// scan tick or a concurrent reader.
func (s *StatsAggregator) resolveWorker() {
	for addr := range s.resolveJobs {
		hostname := s.lookupHostname(addr)
		s.mu.Lock()
		if entry, ok := s.addresses[addr]; ok {
			entry.Hostname = hostname
		}
		s.mu.Unlock()
	}
}

// Run scans new packets every cadence until Stop is called.
func (s *StatsAggregator) Run() {
	defer close(s.done)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *StatsAggregator) scan() {
	total := s.store.Len()
	if s.lastSeen >= total {
		return
	}
	s.store.Range(s.lastSeen, total, s.refresh)
	s.lastSeen = total
}

// refresh updates every counter for one packet, mirroring Stats::refresh.
func (s *StatsAggregator) refresh(p abi.AppPacket) {
	s.mu.Lock()
	defer func() {
		s.total++
		s.mu.Unlock()
	}()

	switch p.Network.Kind {
	case abi.KindARP:
		s.link.ARP++
		return
	case abi.KindIPv4TCP, abi.KindIPv4UDP, abi.KindIPv4SCTP, abi.KindIPv4ICMP:
		s.network.IPv4++
	case abi.KindIPv6TCP, abi.KindIPv6UDP, abi.KindIPv6SCTP, abi.KindIPv6ICMP:
		s.network.IPv6++
	default:
		return
	}

	switch p.Network.Kind {
	case abi.KindIPv4TCP, abi.KindIPv6TCP:
		s.transport.TCP++
	case abi.KindIPv4UDP, abi.KindIPv6UDP:
		s.transport.UDP++
	case abi.KindIPv4SCTP, abi.KindIPv6SCTP:
		s.transport.SCTP++
	case abi.KindIPv4ICMP:
		s.network.ICMP4++
	case abi.KindIPv6ICMP:
		s.network.ICMP6++
	}

	dst := p.Network.DstIP
	if !dst.IsValid() || dst.IsPrivate() || dst.IsLoopback() {
		return
	}

	if existing, ok := s.addresses[dst]; ok {
		existing.Count++
		return
	}

	entry := &addressEntry{AddressCount: AddressCount{Addr: dst, Count: 1}, attempted: true}
	s.addresses[dst] = entry

	// Non-blocking dispatch: if every worker is busy and the queue is
	// full, this address just goes unresolved this pass rather than
	// stalling refresh/scan waiting for a slot (best-effort, spec.md
	// §4.6/SPEC_FULL.md §3).
	select {
	case s.resolveJobs <- dst:
	default:
	}
}

// lookupHostname performs a best-effort reverse DNS lookup; failure is
// tolerated and yields an empty hostname (spec.md §4.6: "best effort,
// failure tolerated").
func (s *StatsAggregator) lookupHostname(addr netip.Addr) string {
	names, err := s.resolve(addr.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Total     uint64
	Link      LinkStats
	Network   NetworkStats
	Transport TransportStats
}

func (s *StatsAggregator) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Total: s.total, Link: s.link, Network: s.network, Transport: s.transport}
}

// TopAddresses returns the n destinations with the highest packet count,
// descending (spec.md §4.6: "Rendering exposes top-N by count").
func (s *StatsAggregator) TopAddresses(n int) []AddressCount {
	s.mu.RLock()
	items := make([]AddressCount, 0, len(s.addresses))
	for _, a := range s.addresses {
		items = append(items, a.AddressCount)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Count > items[j].Count })
	if n < len(items) {
		items = items[:n]
	}
	return items
}

// Stop signals Run to exit and waits for it to finish, then retires the
// resolver worker pool. It does not wait for in-flight lookups to
// complete — a worker blocked inside a slow net.LookupAddr call exits on
// its own once that call returns, rather than holding Stop up for an
// unbounded-latency DNS resolver.
func (s *StatsAggregator) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	close(s.resolveJobs)
}
