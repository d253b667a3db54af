// Package bandwidth samples per-interface cumulative byte counters from
// /proc/net/dev at 1 Hz and retains a bounded per-interface history
// (spec.md §4.7).
package bandwidth

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sampleInterval matches the reference implementation's 1 Hz cadence.
const sampleInterval = time.Second

// ringCapacity is the bounded history length per interface (spec.md
// §4.7: "retain the last 20 samples per interface").
const ringCapacity = 20

// Sample is one (rxDeltaKB, txDeltaKB) observation.
type Sample struct {
	RxDeltaKB uint64
	TxDeltaKB uint64
}

// ringBuffer is a fixed-capacity, newest-first deque with running maxima,
// grounded on oryx-tui/src/bandwidth.rs's BandwidthBuffer.
type ringBuffer struct {
	data    []Sample
	rxMax   uint64
	txMax   uint64
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{data: make([]Sample, 0, ringCapacity)}
}

func (b *ringBuffer) push(s Sample) {
	if len(b.data) == ringCapacity {
		b.data = b.data[:len(b.data)-1] // evict oldest (back of the deque)
	}
	b.data = append([]Sample{s}, b.data...) // push front

	b.rxMax, b.txMax = 0, 0
	for _, item := range b.data {
		if item.RxDeltaKB > b.rxMax {
			b.rxMax = item.RxDeltaKB
		}
		if item.TxDeltaKB > b.txMax {
			b.txMax = item.TxDeltaKB
		}
	}
}

func (b *ringBuffer) snapshot() []Sample {
	out := make([]Sample, len(b.data))
	copy(out, b.data)
	return out
}

// counters is the raw cumulative rx/tx byte counts read for one interface.
type counters struct {
	rx, tx uint64
}

// BandwidthSampler tracks per-interface rx/tx deltas, sampled every
// second from /proc/net/dev.
type BandwidthSampler struct {
	procNetDev string

	mu      sync.RWMutex
	buffers map[string]*ringBuffer
	last    map[string]counters

	stop chan struct{}
	done chan struct{}
}

// New constructs a sampler reading the real /proc/net/dev.
func New() *BandwidthSampler {
	return NewWithSource("/proc/net/dev")
}

// NewWithSource is New with an injected source path, for tests.
func NewWithSource(procNetDev string) *BandwidthSampler {
	return &BandwidthSampler{
		procNetDev: procNetDev,
		buffers:    make(map[string]*ringBuffer),
		last:       make(map[string]counters),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run samples every second until Stop is called.
func (s *BandwidthSampler) Run() {
	defer close(s.done)

	if err := s.sampleOnce(false); err != nil {
		// Seed failures aren't fatal: the next tick retries from scratch.
		_ = err
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.sampleOnce(true)
		}
	}
}

// sampleOnce reads the counter file once. When recordDelta is false (the
// initial seed read), it only establishes the baseline, matching the
// reference's separate seeding pass before the 1 Hz diff loop begins.
func (s *BandwidthSampler) sampleOnce(recordDelta bool) error {
	readings, err := readProcNetDev(s.procNetDev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for iface, c := range readings {
		prev, known := s.last[iface]
		s.last[iface] = c
		if !known {
			s.buffers[iface] = newRingBuffer()
			continue
		}
		if !recordDelta {
			continue
		}
		rxDelta := saturatingSub(c.rx, prev.rx) / 1024
		txDelta := saturatingSub(c.tx, prev.tx) / 1024
		buf := s.buffers[iface]
		if buf == nil {
			buf = newRingBuffer()
			s.buffers[iface] = buf
		}
		buf.push(Sample{RxDeltaKB: rxDelta, TxDeltaKB: txDelta})
	}
	return nil
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// readProcNetDev parses the kernel's /proc/net/dev format: a 2-line
// header followed by one line per interface, "name: rx_bytes ... (7
// more rx fields) tx_bytes ...".
func readProcNetDev(path string) (map[string]counters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: open %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]counters)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		iface := strings.TrimSuffix(fields[0], ":")
		rx, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		out[iface] = counters{rx: rx, tx: tx}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bandwidth: scan %s: %w", path, err)
	}
	return out, nil
}

// History returns the bounded sample history for iface, newest first,
// and the running per-direction maxima.
func (s *BandwidthSampler) History(iface string) (samples []Sample, rxMax, txMax uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[iface]
	if !ok {
		return nil, 0, 0
	}
	return buf.snapshot(), buf.rxMax, buf.txMax
}

// Stop signals Run to exit and waits for it to finish.
func (s *BandwidthSampler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
