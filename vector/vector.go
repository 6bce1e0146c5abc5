// Package vector holds the record payload carried through a prep job: a
// named sparse vector, encoded with the protobuf wire format.
package vector

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("malformed vector")

const (
	fieldName    protowire.Number = 1
	fieldSize    protowire.Number = 2
	fieldIndices protowire.Number = 3
	fieldValues  protowire.Number = 4
)

// Entry is one non-zero element of a sparse vector.
type Entry struct {
	Index int
	Value float64
}

// Vector is a named sparse vector. Name carries the originating document key.
type Vector struct {
	Name    string
	Size    int
	Entries []Entry
}

// NNZ returns the number of stored entries.
func (v Vector) NNZ() int {
	return len(v.Entries)
}

// Marshal encodes v.
func Marshal(v Vector) []byte {
	b := make([]byte, 0, len(v.Name)+16+len(v.Entries)*12)
	if v.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, v.Name)
	}
	if v.Size != 0 {
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Size))
	}
	if len(v.Entries) == 0 {
		return b
	}

	var packed []byte
	for _, e := range v.Entries {
		packed = protowire.AppendVarint(packed, uint64(e.Index))
	}
	b = protowire.AppendTag(b, fieldIndices, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = packed[:0]
	for _, e := range v.Entries {
		packed = protowire.AppendFixed64(packed, math.Float64bits(e.Value))
	}
	b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

// Unmarshal decodes a vector produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Vector, error) {
	var (
		v       Vector
		indices []int
		values  []float64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Vector{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Vector{}, fmt.Errorf("%w: name: %v", ErrMalformed, protowire.ParseError(n))
			}
			v.Name = s
			b = b[n:]
		case num == fieldSize && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Vector{}, fmt.Errorf("%w: size: %v", ErrMalformed, protowire.ParseError(n))
			}
			v.Size = int(x)
			b = b[n:]
		case num == fieldIndices && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Vector{}, fmt.Errorf("%w: indices: %v", ErrMalformed, protowire.ParseError(n))
			}
			for len(packed) > 0 {
				x, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Vector{}, fmt.Errorf("%w: index: %v", ErrMalformed, protowire.ParseError(m))
				}
				indices = append(indices, int(x))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Vector{}, fmt.Errorf("%w: values: %v", ErrMalformed, protowire.ParseError(n))
			}
			for len(packed) > 0 {
				x, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return Vector{}, fmt.Errorf("%w: value: %v", ErrMalformed, protowire.ParseError(m))
				}
				values = append(values, math.Float64frombits(x))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Vector{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if len(indices) != len(values) {
		return Vector{}, fmt.Errorf("%w: %d indices but %d values", ErrMalformed, len(indices), len(values))
	}
	if len(indices) > 0 {
		v.Entries = make([]Entry, len(indices))
		for i := range indices {
			v.Entries[i] = Entry{Index: indices[i], Value: values[i]}
		}
	}
	return v, nil
}
