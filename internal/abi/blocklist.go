package abi

import "errors"

// MaxRulesPort is the fixed capacity of a blocklist address's port array,
// shared verbatim with the kernel's BLOCKLIST_IPV4/BLOCKLIST_IPV6 map value
// type (spec.md §3, §6).
const MaxRulesPort = 32

// ErrPortArrayFull is returned when inserting a port into an address whose
// port array already holds MaxRulesPort entries. Spec.md §3 calls this "a
// programming error"; callers (FilterController) translate it into a
// recoverable-with-notification error rather than panicking.
var ErrPortArrayFull = errors.New("abi: blocklist port array is full")

// ErrSentinelPort is returned when a caller attempts to insert port 0 as
// an explicit single-port rule. Spec.md §9 Open Question: the sentinel
// wins, so port 0 can never be a legal explicit block.
var ErrSentinelPort = errors.New("abi: port 0 is reserved as the block-all sentinel")

// PortArray is the kernel blocklist map's value type: a fixed array of
// blocked ports keyed by destination/source address. The all-zero array
// is the sentinel meaning "block every port for this address" (spec.md
// Glossary).
type PortArray [MaxRulesPort]uint16

// IsSentinel reports whether a holds the all-zero "block all ports" value.
func (a PortArray) IsSentinel() bool {
	for _, p := range a {
		if p != 0 {
			return false
		}
	}
	return true
}

// Contains reports whether port is present in a, or a is the sentinel.
func (a PortArray) Contains(port uint16) bool {
	if a.IsSentinel() {
		return true
	}
	for _, p := range a {
		if p == port {
			return true
		}
	}
	return false
}

// InsertPort inserts port into the first free (zero) slot of a. Per
// spec.md §3, the sentinel is mutually exclusive with single-port
// entries: inserting a single port into a sentinel array first clears it
// to empty, so a later single-port rule replaces an earlier block-all
// rule for the same address.
func (a PortArray) InsertPort(port uint16) (PortArray, error) {
	if port == 0 {
		return a, ErrSentinelPort
	}
	if a.IsSentinel() {
		a = PortArray{}
	}
	for i, p := range a {
		if p == port {
			return a, nil
		}
		if p == 0 {
			a[i] = port
			return a, nil
		}
	}
	return a, ErrPortArrayFull
}

// RemovePort removes port from a, compacting the remaining entries
// forward. Removing the last port empties the array (the caller then
// deletes the map entry entirely, per spec.md §3).
func (a PortArray) RemovePort(port uint16) PortArray {
	var out PortArray
	i := 0
	for _, p := range a {
		if p == 0 || p == port {
			continue
		}
		out[i] = p
		i++
	}
	return out
}

// IsEmpty reports whether a holds no ports at all. This is the same
// all-zero value as Sentinel: what it means depends on whether a map
// entry holds it (block all ports) or it is the result of removing the
// last port (the caller then deletes the entry instead of writing it).
func (a PortArray) IsEmpty() bool {
	return a == PortArray{}
}

// Sentinel is the all-zero PortArray meaning "block all ports".
var Sentinel = PortArray{}
