package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWants(t *testing.T) {
	t.Parallel()
	all := Everything()
	assert.True(t, all.Wants([]byte("anything")))

	except := DownloadPolicy{
		Mode:    EverythingExcept,
		Filters: []Filter{PrefixFilter([]byte("tmp/"))},
	}
	assert.False(t, except.Wants([]byte("tmp/a")))
	assert.True(t, except.Wants([]byte("doc/a")))

	only := DownloadPolicy{
		Mode:    NothingExcept,
		Filters: []Filter{ExactFilter([]byte("readme"))},
	}
	assert.True(t, only.Wants([]byte("readme")))
	assert.False(t, only.Wants([]byte("readme2")))
}

func TestBinaryRoundTrip(t *testing.T) {
	t.Parallel()
	p := DownloadPolicy{
		Mode: NothingExcept,
		Filters: []Filter{
			PrefixFilter([]byte("a/")),
			ExactFilter([]byte("b")),
		},
	}
	raw, err := p.MarshalBinary()
	require.NoError(t, err)
	var got DownloadPolicy
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, p, got)

	require.ErrorIs(t, got.UnmarshalBinary([]byte{0x08, 0x09}), ErrDecode)
}
