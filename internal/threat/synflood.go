// Package threat evaluates sliding-window rules over the packet store.
// The only rule implemented is a SYN-flood ratio detector (spec.md §4.8),
// published as a SynFlood value. There is no common Threat interface:
// SynFlood is the only threat type and ThreatDetector returns it directly.
package threat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// winSize is the sliding window width over ingress traffic (spec.md
// §4.8: "a 100 000-packet sliding window").
const winSize = 100_000

// synRatioThreshold is the alert threshold (spec.md §4.8: "exceeds 95%").
const synRatioThreshold = 0.95

// evalCadence is the re-evaluation period (spec.md §4.8: "Repeat every
// 5 s"). The 0.45-ratio sibling rule found elsewhere in the original
// implementation is deliberately not carried over; see SPEC_FULL.md's
// Open Question resolution.
const evalCadence = 5 * time.Second

// Store is the subset of store.PacketStore the detector needs.
type Store interface {
	Len() int
	Range(lo, hi int, f func(abi.AppPacket)) int
}

// SynFlood is the published threat object: the per-source histogram of
// SYN counts observed within the last evaluated window.
type SynFlood struct {
	Sources map[netip.Addr]int
}

// ThreatDetector runs the SYN-flood rule on a 5s cadence, grounded on
// oryx-tui/src/section/alert/syn_flood.rs.
type ThreatDetector struct {
	store Store

	detected atomic.Bool

	mu      sync.RWMutex
	sources map[netip.Addr]int

	stop chan struct{}
	done chan struct{}
}

// New constructs a ThreatDetector over store.
func New(store Store) *ThreatDetector {
	return &ThreatDetector{
		store:   store,
		sources: make(map[netip.Addr]int),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run evaluates the SYN-flood rule every evalCadence until Stop is
// called.
func (d *ThreatDetector) Run() {
	defer close(d.done)
	ticker := time.NewTicker(evalCadence)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.evaluate()
		}
	}
}

// evaluate is Run's tick body, factored out for direct testing without
// waiting on the ticker.
func (d *ThreatDetector) evaluate() {
	total := d.store.Len()

	var ingress []abi.AppPacket
	d.store.Range(0, total, func(p abi.AppPacket) {
		if p.Direction == abi.Ingress {
			ingress = append(ingress, p)
		}
	})

	d.mu.Lock()
	d.sources = make(map[netip.Addr]int)
	d.mu.Unlock()

	if len(ingress) < winSize {
		d.detected.Store(false) // Phase 1 warm-up: not enough data yet
		return
	}

	window := ingress[len(ingress)-winSize:]

	synCount := 0
	histogram := make(map[netip.Addr]int)
	for _, p := range window {
		if !isSYN(p) {
			continue
		}
		synCount++
		histogram[p.Network.SrcIP]++
	}

	d.mu.Lock()
	d.sources = histogram
	d.mu.Unlock()

	ratio := float64(synCount) / float64(winSize)
	d.detected.Store(ratio > synRatioThreshold)
}

func isSYN(p abi.AppPacket) bool {
	switch p.Network.Kind {
	case abi.KindIPv4TCP, abi.KindIPv6TCP:
		return p.Network.Flags.SYN
	default:
		return false
	}
}

// Detected reports whether the most recent evaluation exceeded the SYN
// ratio threshold.
func (d *ThreatDetector) Detected() bool {
	return d.detected.Load()
}

// Current returns the published SynFlood object for the most recent
// evaluation, or ok=false if the detector hasn't fired.
func (d *ThreatDetector) Current() (SynFlood, bool) {
	if !d.detected.Load() {
		return SynFlood{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[netip.Addr]int, len(d.sources))
	for k, v := range d.sources {
		out[k] = v
	}
	return SynFlood{Sources: out}, true
}

// TopSources returns the source addresses whose SYN count exceeds min,
// the rendering floor the reference implementation applies before
// display (its "> 10_000" cutoff, generalized as a parameter here since
// that constant is tuned to the default window size, not a law).
func (d *ThreatDetector) TopSources(min int) map[netip.Addr]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[netip.Addr]int)
	for addr, count := range d.sources {
		if count > min {
			out[addr] = count
		}
	}
	return out
}

// Stop signals Run to exit and waits for it to finish.
func (d *ThreatDetector) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}
