package storage

import (
	"fmt"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

// ByteRange is a parsed single-range Range header. It is resolved against
// the object size before use.
type ByteRange struct {
	Start int64
	// End is inclusive; -1 means open-ended ("bytes=a-").
	End int64
	// Suffix is set for "bytes=-n"; Start then holds n.
	Suffix bool
}

// Span is a resolved byte range within an object of known size.
type Span struct {
	Start int64
	// End is inclusive.
	End int64
}

// Length returns the number of bytes in the span.
func (s Span) Length() int64 {
	return s.End - s.Start + 1
}

// ContentRange formats the span as a Content-Range value.
func (s Span) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End, size)
}

// ParseRange parses "bytes=a-b", "bytes=a-" and "bytes=-n". Headers that are
// empty, malformed or carry several ranges are ignored and yield nil, in
// which case the whole object is served.
func ParseRange(header string) *ByteRange {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || spec == "" || strings.Contains(spec, ",") {
		return nil
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil
		}
		return &ByteRange{Start: n, End: -1, Suffix: true}
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	if last == "" {
		return &ByteRange{Start: start, End: -1}
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &ByteRange{Start: start, End: end}
}

// Resolve clamps the range to an object of the given size. A range that
// selects no byte of the object fails with InvalidRange.
func (r ByteRange) Resolve(size int64) (Span, error) {
	invalid := s3err.ErrInvalidRange.WithExtra("ActualObjectSize", strconv.FormatInt(size, 10))
	if r.Suffix {
		if r.Start == 0 || size == 0 {
			return Span{}, invalid
		}
		return Span{Start: max(0, size-r.Start), End: size - 1}, nil
	}
	if r.Start >= size {
		return Span{}, invalid
	}
	end := size - 1
	if r.End >= 0 && r.End < end {
		end = r.End
	}
	return Span{Start: r.Start, End: end}, nil
}

func (r ByteRange) String() string {
	switch {
	case r.Suffix:
		return fmt.Sprintf("bytes=-%d", r.Start)
	case r.End < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	}
}
