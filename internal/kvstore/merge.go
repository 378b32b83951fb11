package kvstore

import (
	"bytes"

	"github.com/openr/openr/internal/wire"
)

// CompareResult is the outcome of CompareValues: which of two values for
// the same key wins a merge.
type CompareResult int

const (
	// CompareUnknown means neither value carries enough information
	// (hash or payload) to compare — spec §4.1 "unresolved merge".
	CompareUnknown CompareResult = -2
	CompareLess    CompareResult = -1
	CompareEqual   CompareResult = 0
	CompareGreater CompareResult = 1
)

// CompareValues orders two values for the same key by (version,
// originatorId), then: if both hashes are present and equal, by
// ttlVersion; otherwise, if both payloads are present, by value bytes
// (ttlVersion is not consulted, so equal bytes compare Equal);
// otherwise the result is CompareUnknown. Grounded on
// KvStore::compareValues (original_source/openr/kvstore/KvStore.cpp).
func CompareValues(a, b wire.Value) CompareResult {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return CompareGreater
		}
		return CompareLess
	}

	if a.OriginatorId != b.OriginatorId {
		if a.OriginatorId > b.OriginatorId {
			return CompareGreater
		}
		return CompareLess
	}

	if a.Hash != nil && b.Hash != nil && *a.Hash == *b.Hash {
		// Same (version, originatorId, value) — break ties on ttlVersion.
		switch {
		case a.TtlVersion > b.TtlVersion:
			return CompareGreater
		case a.TtlVersion < b.TtlVersion:
			return CompareLess
		default:
			return CompareEqual
		}
	}

	if a.Val != nil && b.Val != nil {
		switch bytes.Compare(a.Val, b.Val) {
		case 1:
			return CompareGreater
		case -1:
			return CompareLess
		default:
			return CompareEqual
		}
	}

	return CompareUnknown
}

// MergeOutcome records, per key, whether a merge step updated the full
// value, only refreshed its TTL, or left the store untouched.
type MergeOutcome struct {
	Updates  wire.Publication // keys that changed (value or ttl-only)
	ValueCnt int
	TtlCnt   int
}

// Filter restricts which keys a merge or dump call considers, mirroring
// KvStoreFilters (key-prefix and originator-id allow-lists; spec §4.6).
type Filter struct {
	KeyPrefixes   []string
	OriginatorIds map[string]struct{}
}

// Match reports whether key/value passes the filter. A nil Filter (or one
// with no prefixes and no originator ids) matches everything.
func (f *Filter) Match(key string, v wire.Value) bool {
	if f == nil {
		return true
	}
	if len(f.OriginatorIds) > 0 {
		if _, ok := f.OriginatorIds[v.OriginatorId]; !ok {
			return false
		}
	}
	if len(f.KeyPrefixes) == 0 {
		return true
	}
	for _, p := range f.KeyPrefixes {
		if len(key) >= len(p) && key[:len(p)] == p {
			return true
		}
	}
	return false
}

// Merge folds incoming key-values into store, in place, and returns the
// subset that actually changed (to be flooded and delivered to local
// subscribers). Grounded on KvStore::mergeKeyValues.
//
// store is mutated directly: this is the only function in the KVS allowed
// to write wire.Value entries into the backing map, so every other
// component's view of "what changed" can be derived solely from the
// returned MergeOutcome.
func Merge(store map[string]wire.Value, incoming map[string]wire.Value, filter *Filter) MergeOutcome {
	out := MergeOutcome{Updates: wire.Publication{KeyVals: make(map[string]wire.Value)}}

	for key, incomingVal := range incoming {
		if !filter.Match(key, incomingVal) {
			continue
		}

		// TTL must be positive or Infinity; reject and drop silently.
		if incomingVal.Ttl != wire.Infinity && incomingVal.Ttl <= 0 {
			continue
		}

		current, exists := store[key]

		// Versions start at 1; treating an absent key as version 0 lets
		// any supplied version win.
		myVersion := wire.NoVersion
		if exists {
			myVersion = current.Version
		}

		if incomingVal.Version < myVersion {
			continue
		}

		updateAll, updateTtl := false, false

		if incomingVal.Val != nil {
			switch {
			case incomingVal.Version > myVersion:
				updateAll = true
			case exists && incomingVal.OriginatorId > current.OriginatorId:
				updateAll = true
			case exists && incomingVal.OriginatorId == current.OriginatorId:
				switch CompareValues(incomingVal, current) {
				case CompareGreater:
					// A stale replica reflecting back its own prior
					// incarnation; let the higher value win so two
					// stores with diverging values for the same
					// (version, originator) eventually agree.
					updateAll = true
				case CompareEqual:
					if incomingVal.TtlVersion > current.TtlVersion {
						updateTtl = true
					}
				}
			}
		} else if exists && incomingVal.Version == myVersion &&
			incomingVal.OriginatorId == current.OriginatorId &&
			incomingVal.TtlVersion > current.TtlVersion {
			// TTL-refresh-only entry (Val == nil): same identity, newer
			// ttlVersion.
			updateTtl = true
		}

		if !updateAll && !updateTtl {
			continue
		}

		newVal := incomingVal.Clone()

		if updateAll {
			out.ValueCnt++
			if newVal.Hash == nil {
				newVal.EnsureHash()
			}
			store[key] = newVal
		} else {
			out.TtlCnt++
			current.Ttl = incomingVal.Ttl
			current.TtlVersion = incomingVal.TtlVersion
			store[key] = current
		}

		out.Updates.KeyVals[key] = incomingVal.Clone()
	}

	return out
}
