// Package wire defines the KVS/Decision wire schema: Value, Publication,
// PeerSpec and the request/response envelopes exchanged over the
// transport sockets (see internal/transport), plus the codec used to
// serialize them.
package wire

import (
	"bytes"
	"hash/fnv"
)

// Infinity is the TTL sentinel meaning "never expires".
const Infinity int64 = -1

// NoVersion is the "I have nothing" sentinel used during merge; it never
// appears as the version of a value actually stored in the KVS.
const NoVersion int64 = 0

// Value is one versioned record in the key-value store.
//
// Val is nil when this record is a TTL-refresh-only entry: the
// version/originator/value triple is unchanged, only Ttl/TtlVersion
// moved forward.
type Value struct {
	Version      int64
	OriginatorId string
	Val          []byte // nil => TTL refresh only
	Ttl          int64  // milliseconds, or Infinity
	TtlVersion   int64
	Hash         *int64 // lazily computed, see ValueHash
}

// ValueHash computes the deterministic digest of (version, originatorId,
// value) used to detect identical payloads without shipping bytes, e.g.
// during TTL-only refresh detection and three-way sync hash dumps.
func ValueHash(version int64, originatorId string, val []byte) int64 {
	h := fnv.New64a()
	var buf bytes.Buffer
	buf.WriteString(originatorId)
	buf.WriteByte(0)
	buf.Write(val)
	putInt64(&buf, version)
	h.Write(buf.Bytes())
	return int64(h.Sum64())
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	buf.Write(b[:])
}

// EnsureHash fills in v.Hash if absent, using ValueHash.
func (v *Value) EnsureHash() int64 {
	if v.Hash != nil {
		return *v.Hash
	}
	h := ValueHash(v.Version, v.OriginatorId, v.Val)
	v.Hash = &h
	return h
}

// Clone returns a deep copy, so merge results never alias the sender's
// buffers.
func (v Value) Clone() Value {
	out := v
	if v.Val != nil {
		out.Val = append([]byte(nil), v.Val...)
	}
	if v.Hash != nil {
		h := *v.Hash
		out.Hash = &h
	}
	return out
}

// Publication is the batched delta unit flooded between KVS instances
// and delivered to local subscribers.
type Publication struct {
	KeyVals         map[string]Value
	ExpiredKeys     []string
	NodeIds         []string // path vector for loop detection
	FloodRootId     *string
	TobeUpdatedKeys []string // three-way sync solicitation, set only on sync replies
}

// PeerSpec describes how to reach one peer KVS instance.
type PeerSpec struct {
	CmdUrl                  string
	PubUrl                  string
	SupportFloodOptimization bool
}
