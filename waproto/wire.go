// Package waproto defines the logical message container exchanged as the
// plaintext payload of the encrypted messaging core, and encodes it with the
// protobuf wire format via google.golang.org/protobuf/encoding/protowire.
//
// This is a hand-written encoder rather than protoc-generated code: the real
// wire schema (waE2E.Message) runs to tens of thousands of generated lines,
// which can't be faithfully reproduced without running protoc. protowire is
// the same library real generated code builds on, so the wire format and the
// dependency are both real; only the code-generation step is skipped.
package waproto

import "google.golang.org/protobuf/encoding/protowire"

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// appendMessage length-delimits a nested message's already-encoded bytes.
func appendMessage(b []byte, num protowire.Number, nested []byte) []byte {
	if nested == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nested)
}

// consumeFields walks top-level fields of a protowire-encoded message, calling fn
// for each (field number, raw value bytes for BytesType, or the varint value).
func consumeFields(data []byte, onBytes func(num protowire.Number, v []byte) error, onVarint func(num protowire.Number, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if onBytes != nil {
				if err := onBytes(num, v); err != nil {
					return err
				}
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if onVarint != nil {
				if err := onVarint(num, v); err != nil {
					return err
				}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
