// Package uid provides identifier generation for bleepcore.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	// lastMs is the timestamp of the most recent sequence. Sequences never
	// carry an earlier one, even when the wall clock steps back.
	lastMs uint64
)

// New generates a 32-character hex string from crypto/rand, used for temp
// file names and other short-lived identifiers.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// UploadID returns a fresh multipart upload id.
func UploadID() string {
	return uuid.NewString()
}

// ContentID returns a fresh content handle id.
func ContentID() string {
	return uuid.NewString()
}

// Sequence returns a ULID that sorts after every ULID previously returned by
// this process. Version ids and version ordering keys are both sequences.
func Sequence() ulid.ULID {
	return SequenceAt(time.Now())
}

// SequenceAt is Sequence with an explicit timestamp. A t earlier than the
// previous sequence's timestamp is clamped to it.
func SequenceAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	ms := max(ulid.Timestamp(t), lastMs)
	lastMs = ms
	return ulid.MustNew(ms, entropy)
}

// InvertedSequence encodes seq so that newer sequences sort first in byte order.
func InvertedSequence(seq ulid.ULID) string {
	var inv [16]byte
	for i, b := range seq {
		inv[i] = ^b
	}
	return hex.EncodeToString(inv[:])
}

// ParseSequence parses the canonical string form of a sequence.
func ParseSequence(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}
