// Package store holds the session's append-only packet log: a bounded
// tail segment backed by a slice, periodically flushed into immutable
// archive chunks, read by any number of concurrent consumers while a
// single writer keeps appending (spec.md §4.3, §5, §9).
package store

import (
	"sync"
	"sync/atomic"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// bufferSize is the tail segment's capacity before it is flushed into an
// archive chunk. Chosen to match the reference implementation's tuning
// note verbatim: too high increases copy time and contention, too low
// increases the number of allocations (spec.md §9 records this exact
// tradeoff).
const bufferSize = 32 * 1024

// PacketStore is the shared packet log described at spec.md §4.3. The
// zero value is not usable; construct with New.
//
// Concurrency model, grounded almost directly on
// oryx-tui/src/packet_store.rs's PacketStoreInner: the tail ("latest")
// is guarded by an RWMutex; flushing it into an archive bumps two
// monotonic tokens (latestToken on every flush, archivesToken once the
// new chunk is visible) so that Range can detect "the tail I was reading
// got flushed out from under me mid-read" and retry instead of missing
// or double-counting packets, without ever taking a lock across the
// whole call.
type PacketStore struct {
	latestMu    sync.RWMutex
	latest      []abi.AppPacket
	latestToken atomic.Uint64

	archivesMu    sync.RWMutex
	archives      [][]abi.AppPacket
	archivesToken atomic.Uint64

	length atomic.Uint64
}

// New constructs an empty PacketStore.
func New() *PacketStore {
	return &PacketStore{
		latest: make([]abi.AppPacket, 0, bufferSize),
	}
}

// Len returns the logical length of the store: every packet ever
// appended, including ones living in discarded archive chunks.
func (s *PacketStore) Len() int {
	return int(s.length.Load())
}

// Append adds one packet to the tail, flushing it into a new archive
// chunk once it reaches bufferSize (spec.md §4.3 "append(packet):
// single-writer operation; monotonically grows the log").
func (s *PacketStore) Append(packet abi.AppPacket) {
	s.latestMu.Lock()
	s.latest = append(s.latest, packet)
	if len(s.latest) >= bufferSize {
		s.flushLocked()
	}
	s.latestMu.Unlock()
	s.length.Add(1)
}

// AppendBatch appends packets in order, flushing the tail as many times
// as needed along the way.
func (s *PacketStore) AppendBatch(packets []abi.AppPacket) {
	i := 0
	for i < len(packets) {
		s.latestMu.Lock()
		remaining := bufferSize - len(s.latest)
		toCopy := remaining
		if left := len(packets) - i; toCopy > left {
			toCopy = left
		}
		s.latest = append(s.latest, packets[i:i+toCopy]...)
		s.length.Add(uint64(toCopy))
		i += toCopy
		if len(s.latest) >= bufferSize {
			s.flushLocked()
		}
		s.latestMu.Unlock()
	}
}

// flushLocked clones the full tail into a new archive chunk and resets
// the tail, bumping both tokens. Callers must hold latestMu for writing.
func (s *PacketStore) flushLocked() {
	chunk := make([]abi.AppPacket, len(s.latest))
	copy(chunk, s.latest)
	s.latest = s.latest[:0]
	s.latestToken.Add(1)

	s.archivesMu.Lock()
	s.archives = append(s.archives, chunk)
	s.archivesMu.Unlock()
	s.archivesToken.Add(1)
}

// archiveAt returns the chunk at index (nil if discarded or out of
// range) and the current number of archive chunks.
func (s *PacketStore) archiveAt(index int) ([]abi.AppPacket, int) {
	s.archivesMu.RLock()
	defer s.archivesMu.RUnlock()
	if index < 0 || index >= len(s.archives) {
		return nil, len(s.archives)
	}
	return s.archives[index], len(s.archives)
}

// DiscardArchive marks the chunk at index as reclaimed: future Get/Range
// calls touching its indices see absence, but Len is unaffected (spec.md
// §4.3 "discard_archive(k): mark the k-th archived chunk as reclaimed").
func (s *PacketStore) DiscardArchive(index int) {
	s.archivesMu.Lock()
	defer s.archivesMu.Unlock()
	if index >= 0 && index < len(s.archives) {
		s.archives[index] = nil
	}
}

// Get returns the packet at logical index i, or ok=false if i is out of
// range or falls in a discarded archive chunk. Like Range, it guards
// against a flush racing between the archivesToken/latestToken read and
// the tail lock: it captures latestToken before locking and retries if a
// flush slipped in, rather than evaluating the tail-segment bound against
// a stale pre-flush offset.
func (s *PacketStore) Get(i int) (abi.AppPacket, bool) {
	if i < 0 {
		return abi.AppPacket{}, false
	}
	archiveIndex := i / bufferSize
	indexInArchive := i % bufferSize

	for {
		latestTokenBefore := s.latestToken.Load()
		processedArchives := int(s.archivesToken.Load())

		if archiveIndex < processedArchives {
			chunk, _ := s.archiveAt(archiveIndex)
			if chunk == nil || indexInArchive >= len(chunk) {
				return abi.AppPacket{}, false
			}
			return chunk[indexInArchive], true
		}

		s.latestMu.RLock()
		if latestTokenBefore != s.latestToken.Load() {
			s.latestMu.RUnlock()
			continue // tail was flushed mid-read: retry with fresh tokens
		}
		if i < processedArchives*bufferSize+len(s.latest) {
			p := s.latest[indexInArchive]
			s.latestMu.RUnlock()
			return p, true
		}
		s.latestMu.RUnlock()
		return abi.AppPacket{}, false
	}
}

// Range invokes f on every packet with logical index in [lo, hi), and
// returns the count actually visited. It tolerates concurrent appends:
// if the tail segment it was about to read got flushed into an archive
// mid-call, it retries from its current position rather than returning
// stale or duplicate data (spec.md §4.3's core liveness property).
//
// f must not call back into the store; per spec.md §5 "readers must not
// call back into the store from inside range".
func (s *PacketStore) Range(lo, hi int, f func(abi.AppPacket)) int {
	i := lo
	visited := 0
	for {
		latestTokenBefore := s.latestToken.Load()
		currentArchiveCount := int(s.archivesToken.Load())

		for i < currentArchiveCount*bufferSize && i < hi {
			archiveIndex := i / bufferSize
			startInArchive := i % bufferSize
			remaining := hi - i
			if cap := bufferSize - startInArchive; remaining > cap {
				remaining = cap
			}

			chunk, _ := s.archiveAt(archiveIndex)
			if chunk == nil {
				i += remaining // discarded archive: skip it
				continue
			}
			endInArchive := startInArchive + remaining
			if endInArchive > len(chunk) {
				endInArchive = len(chunk)
			}
			for _, p := range chunk[startInArchive:endInArchive] {
				f(p)
			}
			i += endInArchive - startInArchive
			visited += endInArchive - startInArchive
		}

		if i >= hi {
			return visited
		}

		s.latestMu.RLock()
		if latestTokenBefore != s.latestToken.Load() {
			s.latestMu.RUnlock()
			continue // tail was flushed mid-read: retry from the current i
		}

		startInLatest := i % bufferSize
		endInLatest := startInLatest + (hi - i)
		if endInLatest > len(s.latest) {
			endInLatest = len(s.latest)
		}
		// Copy out before invoking f so the lock isn't held across
		// caller code, mirroring the thread-local scratch buffer in
		// oryx-tui/src/packet_store.rs.
		tail := make([]abi.AppPacket, endInLatest-startInLatest)
		copy(tail, s.latest[startInLatest:endInLatest])
		s.latestMu.RUnlock()

		for _, p := range tail {
			f(p)
		}
		return visited + len(tail)
	}
}

// ForEach invokes f on every packet currently in the store.
func (s *PacketStore) ForEach(f func(abi.AppPacket)) int {
	return s.Range(0, s.Len(), f)
}

// CloneRange returns a copy of every packet with logical index in
// [lo, hi). Intended for small ranges only (spec.md's Rust reference
// documents the same caveat).
func (s *PacketStore) CloneRange(lo, hi int) []abi.AppPacket {
	out := make([]abi.AppPacket, 0, hi-lo)
	s.Range(lo, hi, func(p abi.AppPacket) {
		out = append(out, p)
	})
	return out
}
