package service

import (
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

// Preconditions are the conditional request values of a read or of a copy
// source. Empty strings and zero times are unset.
type Preconditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// check evaluates p against a version's ETag and modification time in
// RFC 7232 order:
//
//  1. If-Match (PreconditionFailed on mismatch)
//  2. If-Unmodified-Since, only without If-Match (PreconditionFailed if modified)
//  3. If-None-Match (NotModified for reads, PreconditionFailed otherwise)
//  4. If-Modified-Since, only without If-None-Match (NotModified for reads,
//     PreconditionFailed otherwise)
func (p Preconditions) check(etag string, lastModified time.Time, read bool) error {
	lastModified = lastModified.Truncate(time.Second)
	notModified := s3err.ErrPreconditionFailed
	if read {
		notModified = s3err.ErrNotModified
	}

	if p.IfMatch != "" {
		if !etagListMatches(p.IfMatch, etag) {
			return s3err.ErrPreconditionFailed.WithExtra("Condition", "If-Match")
		}
	} else if !p.IfUnmodifiedSince.IsZero() {
		if lastModified.After(p.IfUnmodifiedSince.Truncate(time.Second)) {
			return s3err.ErrPreconditionFailed.WithExtra("Condition", "If-Unmodified-Since")
		}
	}

	if p.IfNoneMatch != "" {
		if etagListMatches(p.IfNoneMatch, etag) {
			return notModified
		}
	} else if !p.IfModifiedSince.IsZero() {
		if !lastModified.After(p.IfModifiedSince.Truncate(time.Second)) {
			return notModified
		}
	}
	return nil
}

// etagListMatches reports whether a comma separated ETag list (or "*")
// names etag. Quotes are ignored.
func etagListMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	want := strings.Trim(etag, `"`)
	for _, tag := range strings.Split(list, ",") {
		if strings.Trim(strings.TrimSpace(tag), `"`) == want {
			return true
		}
	}
	return false
}
