package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec serializes wire messages for transport. The encoding itself
// (encoding/gob) is a deliberate stand-in for the original thrift
// compact protocol — see DESIGN.md for why gob was picked over hand
// rolling a compact encoder. Compression is optional and off by
// default; it is one setting per Codec, not negotiated per peer, so both
// ends of a connection must agree on it. It matters for
// HASH_DUMP/KEY_DUMP replies during full sync, which can be large.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec returns a Codec. When compress is true, payloads are
// zstd-compressed before being handed to the transport.
func NewCodec(compress bool) (*Codec, error) {
	c := &Codec{compress: compress}
	if !compress {
		return c, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: new zstd decoder: %w", err)
	}
	c.enc, c.dec = enc, dec
	return c, nil
}

// Marshal encodes v (a *Request, *Response, or *Publication) to bytes.
func (c *Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if !c.compress {
		return buf.Bytes(), nil
	}
	return c.enc.EncodeAll(buf.Bytes(), nil), nil
}

// Unmarshal decodes bytes produced by Marshal into v, which must be a
// pointer to the same concrete type that was encoded.
func (c *Codec) Unmarshal(data []byte, v any) error {
	raw := data
	if c.compress {
		decoded, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("wire: zstd decode: %w", err)
		}
		raw = decoded
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

func init() {
	gob.Register(Request{})
	gob.Register(Response{})
	gob.Register(Publication{})
}

// EncodeValuePayload gob-encodes an application payload (an
// AdjacencyDatabase or PrefixDatabase) for storage in Value.Val. It is
// the plain gob counterpart to Codec.Marshal, used by whatever
// component originates a KVS key rather than by the KVS or Decision
// wire transport itself, so it takes no compression option.
func EncodeValuePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode value payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValuePayload is the inverse of EncodeValuePayload.
func DecodeValuePayload(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("wire: decode value payload: %w", err)
	}
	return nil
}
