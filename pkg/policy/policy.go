// Package policy decides which remote entries get their content fetched.
package policy

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode is returned for malformed encoded policies.
var ErrDecode = errors.New("policy: decode")

// FilterKind selects how a filter compares keys.
type FilterKind uint8

const (
	Prefix FilterKind = 1
	Exact  FilterKind = 2
)

// Filter matches keys.
type Filter struct {
	Kind FilterKind
	Key  []byte
}

// PrefixFilter matches keys starting with p.
func PrefixFilter(p []byte) Filter { return Filter{Kind: Prefix, Key: bytes.Clone(p)} }

// ExactFilter matches exactly k.
func ExactFilter(k []byte) Filter { return Filter{Kind: Exact, Key: bytes.Clone(k)} }

// Matches reports whether key passes f.
func (f Filter) Matches(key []byte) bool {
	if f.Kind == Exact {
		return bytes.Equal(key, f.Key)
	}
	return bytes.HasPrefix(key, f.Key)
}

// Mode is the default decision.
type Mode uint8

const (
	// EverythingExcept downloads all content except filter matches.
	EverythingExcept Mode = 1
	// NothingExcept downloads only filter matches.
	NothingExcept Mode = 2
)

// DownloadPolicy is a default mode plus exceptions.
type DownloadPolicy struct {
	Mode    Mode
	Filters []Filter
}

// Everything is the default policy.
func Everything() DownloadPolicy {
	return DownloadPolicy{Mode: EverythingExcept}
}

// Wants reports whether content for key should be downloaded.
func (p DownloadPolicy) Wants(key []byte) bool {
	matched := false
	for _, f := range p.Filters {
		if f.Matches(key) {
			matched = true
			break
		}
	}
	if p.Mode == NothingExcept {
		return matched
	}
	return !matched
}

// MarshalBinary encodes p:
// 1: mode (varint), 2: repeated filter {1: kind varint, 2: key bytes}.
func (p DownloadPolicy) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Mode))
	for _, f := range p.Filters {
		var fb []byte
		fb = protowire.AppendTag(fb, 1, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(f.Kind))
		fb = protowire.AppendTag(fb, 2, protowire.BytesType)
		fb = protowire.AppendBytes(fb, f.Key)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (p *DownloadPolicy) UnmarshalBinary(raw []byte) error {
	var out DownloadPolicy
	err := fields(raw, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			out.Mode = Mode(v)
		case 2:
			var f Filter
			err := fields(b, func(num protowire.Number, v uint64, b []byte) error {
				switch num {
				case 1:
					f.Kind = FilterKind(v)
				case 2:
					f.Key = bytes.Clone(b)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if f.Kind != Prefix && f.Kind != Exact {
				return fmt.Errorf("%w: filter kind %d", ErrDecode, f.Kind)
			}
			out.Filters = append(out.Filters, f)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if out.Mode != EverythingExcept && out.Mode != NothingExcept {
		return fmt.Errorf("%w: mode %d", ErrDecode, out.Mode)
	}
	*p = out
	return nil
}

func fields(
	raw []byte,
	fn func(num protowire.Number, v uint64, b []byte) error,
) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		raw = raw[n:]
		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(raw)
		default:
			return fmt.Errorf("%w: wire type %d", ErrDecode, typ)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		raw = raw[n:]
		if err := fn(num, v, b); err != nil {
			return err
		}
	}
	return nil
}
