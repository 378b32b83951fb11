package kvstore

import "github.com/openr/openr/internal/wire"

// DumpDifference compares the local store against a peer's key-value
// dump (or hash-only dump, during the first leg of full sync) and
// returns the publication to send back: KeyVals holds entries where the
// local copy is better (or the comparison is unresolved, so the local
// value is offered defensively), and TobeUpdatedKeys lists keys the peer
// should send back because its copy is better or the key is missing
// locally. Grounded on KvStore::dumpDifference.
func DumpDifference(myKeyVal, reqKeyVal map[string]wire.Value) wire.Publication {
	pub := wire.Publication{KeyVals: make(map[string]wire.Value)}

	allKeys := make(map[string]struct{}, len(myKeyVal)+len(reqKeyVal))
	for k := range myKeyVal {
		allKeys[k] = struct{}{}
	}
	for k := range reqKeyVal {
		allKeys[k] = struct{}{}
	}

	for key := range allKeys {
		myVal, haveMine := myKeyVal[key]
		reqVal, haveTheirs := reqKeyVal[key]

		if !haveMine {
			pub.TobeUpdatedKeys = append(pub.TobeUpdatedKeys, key)
			continue
		}
		if !haveTheirs {
			pub.KeyVals[key] = myVal
			continue
		}

		switch rc := CompareValues(myVal, reqVal); rc {
		case CompareGreater:
			pub.KeyVals[key] = myVal
		case CompareLess:
			pub.TobeUpdatedKeys = append(pub.TobeUpdatedKeys, key)
		case CompareUnknown:
			pub.KeyVals[key] = myVal
			pub.TobeUpdatedKeys = append(pub.TobeUpdatedKeys, key)
		}
	}

	return pub
}

// HashDump returns a hash-only copy of store (Val stripped, Hash
// filled), the payload of the first full-sync leg (KEY_DUMP with
// KeyValHashes populated instead of a plain prefix dump).
func HashDump(store map[string]wire.Value, filter *Filter) map[string]wire.Value {
	out := make(map[string]wire.Value, len(store))
	for key, v := range store {
		if !filter.Match(key, v) {
			continue
		}
		hv := v
		hv.Val = nil
		h := v.EnsureHash()
		hv.Hash = &h
		out[key] = hv
	}
	return out
}

// Dump returns the full values (not hash-only) matching filter, the
// payload of a plain KEY_DUMP reply. CmdKeyGet does not use it; it
// answers only the keys it was asked for.
func Dump(store map[string]wire.Value, filter *Filter) map[string]wire.Value {
	out := make(map[string]wire.Value, len(store))
	for key, v := range store {
		if !filter.Match(key, v) {
			continue
		}
		out[key] = v.Clone()
	}
	return out
}

// Get returns the values for exactly the requested keys that exist,
// for CmdKeyGet.
func Get(store map[string]wire.Value, keys []string) map[string]wire.Value {
	out := make(map[string]wire.Value)
	for _, k := range keys {
		if v, ok := store[k]; ok {
			out[k] = v
		}
	}
	return out
}
