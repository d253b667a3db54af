// Package filterctl owns the authoritative applied filter/blocklist
// state and serializes diffs onto the channels the kernel loader
// goroutines consume (spec.md §4.4).
package filterctl

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pythops/oryx-sub000/internal/abi"
	"github.com/pythops/oryx-sub000/internal/kernel"
)

// terminateGrace is how long set_direction(dir, off) waits for the
// kernel-loader goroutine to observe the termination flag before
// returning, matching the reference's 150ms settle sleep in filter.rs's
// update().
const terminateGrace = 150 * time.Millisecond

// FilterState is a complete point-in-time filter selection across all
// four dimensions. true means "enabled" (pass), matching the UI's
// selected/applied vocabulary rather than the kernel map's drop-flag
// polarity; ApplyFilterSignal inverts it when writing to the maps.
type FilterState struct {
	Transport [abi.NumTransportProtocol]bool
	Network   [abi.NumNetworkProtocol]bool
	Link      [abi.NumLinkProtocol]bool
	Direction [abi.NumDirection]bool
}

// allEnabled is the default state: every protocol and direction passes.
func allEnabled() FilterState {
	var s FilterState
	for i := range s.Transport {
		s.Transport[i] = true
	}
	for i := range s.Network {
		s.Network[i] = true
	}
	for i := range s.Link {
		s.Link[i] = true
	}
	for i := range s.Direction {
		s.Direction[i] = true
	}
	return s
}

// FilterSignal is one protocol-enable change, delivered to a kernel
// loader's filter-signal channel (spec.md §4.4: "one (protocol, enabled)
// signal per change").
type FilterSignal struct {
	Protocol abi.Protocol
	Enabled  bool
}

// BlocklistOp distinguishes blocklist insert from remove.
type BlocklistOp uint8

const (
	BlocklistInsert BlocklistOp = iota
	BlocklistRemove
)

// BlocklistSignal is one (address, port-spec, insert-or-remove) change
// (spec.md §4.4).
type BlocklistSignal struct {
	Addr netip.Addr
	Port uint16
	All  bool
	Op   BlocklistOp
}

// directionChannels is the pair of signal channels a single direction's
// kernel-loader goroutine consumes.
type directionChannels struct {
	filter    chan FilterSignal
	blocklist chan BlocklistSignal
}

func newDirectionChannels() directionChannels {
	return directionChannels{
		filter:    make(chan FilterSignal, 64),
		blocklist: make(chan BlocklistSignal, 64),
	}
}

// FilterController is the single authoritative owner of applied
// filter/blocklist state, grounded on oryx-tui/src/filter.rs's Filter
// struct (selected vs. applied protocol sets, per-direction IoChans,
// terminate flags).
type FilterController struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	selected FilterState
	applied  FilterState

	channels  [abi.NumDirection]directionChannels
	active    [abi.NumDirection]bool
	terminate [abi.NumDirection]*atomic.Bool
}

// New constructs a FilterController with every protocol and direction
// enabled, matching the reference's default selected/applied state.
func New(log logrus.FieldLogger) *FilterController {
	c := &FilterController{
		log:      log,
		selected: allEnabled(),
		applied:  allEnabled(),
	}
	for d := range c.channels {
		c.channels[d] = newDirectionChannels()
		c.active[d] = true
		c.terminate[d] = &atomic.Bool{}
	}
	return c
}

// FilterChannel returns the filter-signal channel a kernel loader for dir
// should range over.
func (c *FilterController) FilterChannel(dir abi.Direction) <-chan FilterSignal {
	return c.channels[dir].filter
}

// BlocklistChannel returns the blocklist-signal channel a kernel loader's
// firewall consumer for dir should range over.
func (c *FilterController) BlocklistChannel(dir abi.Direction) <-chan BlocklistSignal {
	return c.channels[dir].blocklist
}

// TerminationFlag returns the atomic flag a kernel-loader goroutine for
// dir polls to know when it should shut down (spec.md §4.4 "set the
// direction's termination flag").
func (c *FilterController) TerminationFlag(dir abi.Direction) *atomic.Bool {
	return c.terminate[dir]
}

// Propose stashes the user-proposed state without affecting what's
// currently applied (spec.md §4.4: "propose(selected_state)").
func (c *FilterController) Propose(state FilterState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = state
}

// Selected returns the currently proposed (not yet applied) state.
func (c *FilterController) Selected() FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Applied returns the currently applied state.
func (c *FilterController) Applied() FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Apply diffs the selected transport, network and link cells against
// applied, emits one FilterSignal per changed cell on the filter channel
// of every active direction, and replaces applied with selected (spec.md
// §4.4: "apply()"). Direction cells are copied without a signal;
// directions are switched on and off with SetDirection.
func (c *FilterController) Apply() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range abi.AllTransportProtocols() {
		if c.selected.Transport[p] != c.applied.Transport[p] {
			c.broadcastFilter(FilterSignal{Protocol: abi.TransportP(p), Enabled: c.selected.Transport[p]})
		}
	}
	for _, p := range abi.AllNetworkProtocols() {
		if c.selected.Network[p] != c.applied.Network[p] {
			c.broadcastFilter(FilterSignal{Protocol: abi.NetworkP(p), Enabled: c.selected.Network[p]})
		}
	}
	for _, p := range abi.AllLinkProtocols() {
		if c.selected.Link[p] != c.applied.Link[p] {
			c.broadcastFilter(FilterSignal{Protocol: abi.LinkP(p), Enabled: c.selected.Link[p]})
		}
	}

	c.applied = c.selected
}

func (c *FilterController) broadcastFilter(sig FilterSignal) {
	for _, dir := range abi.AllDirections() {
		if !c.active[dir] {
			continue
		}
		select {
		case c.channels[dir].filter <- sig:
		default:
			c.log.WithField("direction", dir).Warn("filterctl: filter signal channel full, dropping update")
		}
	}
}

// SetDirection turns a traffic direction on or off (spec.md §4.4:
// "set_direction(dir, on)"). Turning off sets the termination flag and
// waits terminateGrace for the kernel-loader goroutine to observe it;
// turning on clears the flag and marks the direction active so future
// Apply calls reach it again. The caller is responsible for actually
// spawning a fresh kernel.Loader when turning a direction back on — this
// method only manages the controller's own bookkeeping and channels.
func (c *FilterController) SetDirection(dir abi.Direction, on bool) {
	if !on {
		c.mu.Lock()
		c.terminate[dir].Store(true)
		c.active[dir] = false
		c.mu.Unlock()
		time.Sleep(terminateGrace)
		return
	}

	c.mu.Lock()
	c.terminate[dir].Store(false)
	c.active[dir] = true
	c.mu.Unlock()
}

// InsertBlock sends a blocklist-insert signal on the blocklist channel of
// every active direction. That channel is separate from the direction's
// filter-signal channel and is read by the direction's firewall consumer.
func (c *FilterController) InsertBlock(addr netip.Addr, port uint16, all bool) {
	c.sendBlocklist(BlocklistSignal{Addr: addr, Port: port, All: all, Op: BlocklistInsert})
}

// RemoveBlock sends a blocklist-remove signal.
func (c *FilterController) RemoveBlock(addr netip.Addr, port uint16, all bool) {
	c.sendBlocklist(BlocklistSignal{Addr: addr, Port: port, All: all, Op: BlocklistRemove})
}

func (c *FilterController) sendBlocklist(sig BlocklistSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dir := range abi.AllDirections() {
		if !c.active[dir] {
			continue
		}
		select {
		case c.channels[dir].blocklist <- sig:
		default:
			c.log.WithField("direction", dir).Warn("filterctl: blocklist signal channel full, dropping update")
		}
	}
}

// ApplyFilterSignal performs the map write a kernel-loader goroutine
// makes upon receiving sig: a single-cell write into the matching filter
// map (spec.md §4.4: "become a single-cell write into the corresponding
// filter map"). The map stores a drop flag, the inverse of Enabled.
func ApplyFilterSignal(maps *kernel.FilterMaps, sig FilterSignal) error {
	drop := !sig.Enabled
	switch sig.Protocol.Kind {
	case abi.KindTransport:
		return maps.SetTransport(sig.Protocol.Transport, drop)
	case abi.KindNetwork:
		return maps.SetNetwork(sig.Protocol.Network, drop)
	case abi.KindLink:
		return maps.SetLink(sig.Protocol.Link, drop)
	default:
		return fmt.Errorf("filterctl: unknown protocol kind %d", sig.Protocol.Kind)
	}
}

// ApplyBlocklistSignal performs the map mutation a kernel-loader
// goroutine's firewall consumer makes upon receiving sig (spec.md §4.4:
// "obey the invariants of §3"). A failure (a full port array or map, or
// a failed map operation) is returned; cmd/oryx's consumer reports it as
// an error-level notification. Nothing in userspace is reverted when a
// blocklist mutation fails.
func ApplyBlocklistSignal(maps *kernel.BlocklistMaps, sig BlocklistSignal) error {
	switch sig.Op {
	case BlocklistInsert:
		if err := maps.InsertPort(sig.Addr, sig.Port, sig.All); err != nil {
			return fmt.Errorf("filterctl: insert block %s:%d: %w", sig.Addr, sig.Port, err)
		}
	case BlocklistRemove:
		if err := maps.RemovePort(sig.Addr, sig.Port, sig.All); err != nil {
			return fmt.Errorf("filterctl: remove block %s:%d: %w", sig.Addr, sig.Port, err)
		}
	}
	return nil
}
