package entry

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// ErrDecode is returned for malformed wire bytes.
var ErrDecode = errors.New("entry: decode")

// Field numbers of the SignedEntry wire form.
const (
	fieldNamespace protowire.Number = 1
	fieldAuthor    protowire.Number = 2
	fieldKey       protowire.Number = 3
	fieldHash      protowire.Number = 4
	fieldLen       protowire.Number = 5
	fieldTimestamp protowire.Number = 6
	fieldNsSig     protowire.Number = 7
	fieldAuthorSig protowire.Number = 8
)

// MarshalBinary encodes the signed entry as a protobuf-compatible message.
func (s SignedEntry) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(nil), nil
}

// AppendBinary appends the wire form of s to b.
func (s SignedEntry) AppendBinary(b []byte) []byte {
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Namespace[:])
	b = protowire.AppendTag(b, fieldAuthor, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Author[:])
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Key)
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Hash[:])
	b = protowire.AppendTag(b, fieldLen, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Len)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Timestamp)
	b = protowire.AppendTag(b, fieldNsSig, protowire.BytesType)
	b = protowire.AppendBytes(b, s.NamespaceSignature)
	b = protowire.AppendTag(b, fieldAuthorSig, protowire.BytesType)
	b = protowire.AppendBytes(b, s.AuthorSignature)
	return b
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
// Signatures are not verified.
func (s *SignedEntry) UnmarshalBinary(b []byte) error {
	var out SignedEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf(
					"%w: field %d: %v",
					ErrDecode, num, protowire.ParseError(m),
				)
			}
			b = b[m:]
			if err := out.setBytes(num, v); err != nil {
				return err
			}
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf(
					"%w: field %d: %v",
					ErrDecode, num, protowire.ParseError(m),
				)
			}
			b = b[m:]
			switch num {
			case fieldLen:
				out.Len = v
			case fieldTimestamp:
				out.Timestamp = v
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
	*s = out
	return nil
}

func (s *SignedEntry) setBytes(num protowire.Number, v []byte) error {
	var err error
	switch num {
	case fieldNamespace:
		s.Namespace, err = keys.NamespaceIDFromBytes(v)
	case fieldAuthor:
		s.Author, err = keys.AuthorIDFromBytes(v)
	case fieldKey:
		s.Key = append([]byte{}, v...)
	case fieldHash:
		s.Hash, err = hash.FromBytes(v)
	case fieldNsSig:
		s.NamespaceSignature = append([]byte{}, v...)
	case fieldAuthorSig:
		s.AuthorSignature = append([]byte{}, v...)
	}
	if err != nil {
		return fmt.Errorf("%w: field %d: %v", ErrDecode, num, err)
	}
	return nil
}
