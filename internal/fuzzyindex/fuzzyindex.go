// Package fuzzyindex maintains a substring-filtered projection of the
// packet store, kept incrementally up to date against a user-editable
// pattern (spec.md §2, §4.5).
package fuzzyindex

import (
	"strings"
	"sync"
	"time"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// tickRate is the cadence at which the index reconsiders the current
// pattern against new arrivals, matching the reference implementation's
// TICK_RATE constant exactly.
const tickRate = 40 * time.Millisecond

// Store is the subset of store.PacketStore the index needs: current
// length and an indexed-range scan.
type Store interface {
	Len() int
	Range(lo, hi int, f func(abi.AppPacket)) int
}

// FuzzyIndex holds the subset of packets whose rendered string contains
// the current pattern. Grounded on oryx-tui/src/filters/fuzzy.rs's Fuzzy:
// a full rescan runs only when the pattern itself changes; otherwise new
// packets since the last scan are filtered and appended incrementally.
type FuzzyIndex struct {
	store Store

	mu      sync.RWMutex
	enabled bool
	pattern string
	matches []abi.AppPacket

	lastIndex int

	stop chan struct{}
	done chan struct{}
}

// New constructs a disabled FuzzyIndex over store. Run must be called to
// start the background scanner.
func New(store Store) *FuzzyIndex {
	return &FuzzyIndex{
		store: store,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Enable turns the index on; Disable resets it entirely, matching the
// reference's "disable resets to the zero value" semantics so a later
// Enable starts from a clean pattern and an empty match set.
func (f *FuzzyIndex) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

func (f *FuzzyIndex) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.pattern = ""
	f.matches = nil
	f.lastIndex = 0
}

func (f *FuzzyIndex) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// SetPattern updates the filter pattern. The next tick notices the
// change and performs a full rescan.
func (f *FuzzyIndex) SetPattern(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pattern = pattern
}

func (f *FuzzyIndex) Pattern() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pattern
}

// Matches returns a snapshot of the currently matched packets.
func (f *FuzzyIndex) Matches() []abi.AppPacket {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]abi.AppPacket, len(f.matches))
	copy(out, f.matches)
	return out
}

// Run drives the incremental scan on tickRate cadence until Stop is
// called. Intended to run on its own goroutine (spec.md §5: "background
// analysis workers ... each own a thread with a sleep-driven cadence").
func (f *FuzzyIndex) Run() {
	defer close(f.done)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	lastSeenPattern := ""
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.tick(&lastSeenPattern)
		}
	}
}

func (f *FuzzyIndex) tick(lastSeenPattern *string) {
	f.mu.RLock()
	enabled := f.enabled
	pattern := f.pattern
	f.mu.RUnlock()

	if !enabled || pattern == "" {
		return
	}

	total := f.store.Len()

	if pattern != *lastSeenPattern {
		var matched []abi.AppPacket
		f.store.Range(0, total, func(p abi.AppPacket) {
			if strings.Contains(p.String(), pattern) {
				matched = append(matched, p)
			}
		})

		f.mu.Lock()
		f.matches = matched
		f.lastIndex = total
		f.mu.Unlock()
		*lastSeenPattern = pattern
		return
	}

	f.mu.RLock()
	from := f.lastIndex
	f.mu.RUnlock()
	if from >= total {
		return
	}

	var appended []abi.AppPacket
	f.store.Range(from, total, func(p abi.AppPacket) {
		if strings.Contains(p.String(), pattern) {
			appended = append(appended, p)
		}
	})

	f.mu.Lock()
	f.matches = append(f.matches, appended...)
	f.lastIndex = total
	f.mu.Unlock()
}

// Stop signals Run to exit and waits for it to finish.
func (f *FuzzyIndex) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	<-f.done
}
