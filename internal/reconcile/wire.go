package reconcile

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
)

// ErrDecode is returned for malformed wire bytes.
var ErrDecode = errors.New("reconcile: decode")

const (
	fieldPart protowire.Number = 1

	fieldKind        protowire.Number = 1
	fieldStart       protowire.Number = 2
	fieldEnd         protowire.Number = 3
	fieldFingerprint protowire.Number = 4
	fieldEntry       protowire.Number = 5
	fieldHaveLocal   protowire.Number = 6
)

const (
	kindFingerprint = 1
	kindItem        = 2
)

// MarshalBinary encodes the message as a protobuf-compatible message.
func (m Message) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, p := range m.Parts {
		b = protowire.AppendTag(b, fieldPart, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPart(nil, p))
	}
	return b, nil
}

func appendPart(b []byte, p Part) []byte {
	r := p.PartRange()
	kind := uint64(kindFingerprint)
	if _, ok := p.(RangeItem); ok {
		kind = kindItem
	}
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	b = protowire.AppendTag(b, fieldStart, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Start)
	if r.End != nil {
		b = protowire.AppendTag(b, fieldEnd, protowire.BytesType)
		b = protowire.AppendBytes(b, r.End)
	}
	switch p := p.(type) {
	case RangeFingerprint:
		b = protowire.AppendTag(b, fieldFingerprint, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Fingerprint[:])
	case RangeItem:
		for _, e := range p.Entries {
			b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
			b = protowire.AppendBytes(b, e.AppendBinary(nil))
		}
		b = protowire.AppendTag(b, fieldHaveLocal, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(p.HaveLocal))
	}
	return b
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
func (m *Message) UnmarshalBinary(b []byte) error {
	var out Message
	err := consumeFields(b, func(num protowire.Number, v []byte, _ uint64) error {
		if num != fieldPart || v == nil {
			return nil
		}
		p, err := decodePart(v)
		if err != nil {
			return err
		}
		out.Parts = append(out.Parts, p)
		return nil
	})
	if err != nil {
		return err
	}
	*m = out
	return nil
}

func decodePart(b []byte) (Part, error) {
	var (
		kind      uint64
		rng       Range
		fp        []byte
		entries   []entry.SignedEntry
		haveLocal bool
	)
	err := consumeFields(b, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case fieldKind:
			kind = n
		case fieldStart:
			rng.Start = append([]byte{}, v...)
		case fieldEnd:
			rng.End = append([]byte{}, v...)
		case fieldFingerprint:
			fp = v
		case fieldEntry:
			var se entry.SignedEntry
			if err := se.UnmarshalBinary(v); err != nil {
				return err
			}
			entries = append(entries, se)
		case fieldHaveLocal:
			haveLocal = protowire.DecodeBool(n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindFingerprint:
		var f Fingerprint
		if len(fp) != len(f) {
			return nil, fmt.Errorf("%w: fingerprint length %d", ErrDecode, len(fp))
		}
		copy(f[:], fp)
		return RangeFingerprint{Range: rng, Fingerprint: f}, nil
	case kindItem:
		return RangeItem{Range: rng, Entries: entries, HaveLocal: haveLocal}, nil
	}
	return nil, fmt.Errorf("%w: unknown part kind %d", ErrDecode, kind)
}

// consumeFields walks the fields of b. Bytes fields pass a non-nil v,
// varint fields pass n; other wire types are skipped.
func consumeFields(
	b []byte,
	fn func(num protowire.Number, v []byte, n uint64) error,
) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf(
					"%w: field %d: %v",
					ErrDecode, num, protowire.ParseError(m),
				)
			}
			b = b[m:]
			if v == nil {
				v = []byte{}
			}
			if err := fn(num, v, 0); err != nil {
				return err
			}
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf(
					"%w: field %d: %v",
					ErrDecode, num, protowire.ParseError(m),
				)
			}
			b = b[m:]
			if err := fn(num, nil, v); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf(
					"%w: field %d: %v",
					ErrDecode, num, protowire.ParseError(m),
				)
			}
			b = b[m:]
		}
	}
	return nil
}
