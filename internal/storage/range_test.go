package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   *ByteRange
	}{
		{"bytes=0-4", &ByteRange{Start: 0, End: 4}},
		{"bytes=5-", &ByteRange{Start: 5, End: -1}},
		{"bytes=-3", &ByteRange{Start: 3, End: -1, Suffix: true}},
		{" bytes=1-1 ", &ByteRange{Start: 1, End: 1}},
		{"", nil},
		{"bytes=", nil},
		{"bytes=4-2", nil},
		{"bytes=a-b", nil},
		{"bytes=0-1,3-4", nil},
		{"items=0-1", nil},
		{"bytes=--1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRange(tt.header))
		})
	}
}

func TestByteRangeResolve(t *testing.T) {
	tests := []struct {
		name  string
		r     ByteRange
		size  int64
		want  Span
		valid bool
	}{
		{"closed", ByteRange{Start: 2, End: 5}, 10, Span{2, 5}, true},
		{"end clamped", ByteRange{Start: 8, End: 100}, 10, Span{8, 9}, true},
		{"open", ByteRange{Start: 3, End: -1}, 10, Span{3, 9}, true},
		{"suffix", ByteRange{Start: 4, End: -1, Suffix: true}, 10, Span{6, 9}, true},
		{"suffix larger than object", ByteRange{Start: 50, End: -1, Suffix: true}, 10, Span{0, 9}, true},
		{"start past end", ByteRange{Start: 10, End: 20}, 10, Span{}, false},
		{"zero suffix", ByteRange{Start: 0, End: -1, Suffix: true}, 10, Span{}, false},
		{"empty object", ByteRange{Start: 0, End: -1}, 0, Span{}, false},
		{"empty object suffix", ByteRange{Start: 1, End: -1, Suffix: true}, 0, Span{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.r.Resolve(tt.size)
			if !tt.valid {
				require.ErrorIs(t, err, s3err.ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpanContentRange(t *testing.T) {
	s := Span{Start: 0, End: 4}
	assert.EqualValues(t, 5, s.Length())
	assert.Equal(t, "bytes 0-4/10", s.ContentRange(10))
}
