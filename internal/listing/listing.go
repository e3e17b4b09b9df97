// Package listing produces ordered, paginated enumerations of a bucket's
// objects, object versions, multipart uploads and parts.
//
// Every listing walks keys in byte order. With a delimiter, keys whose
// remainder after the prefix contains the delimiter collapse into a common
// prefix, which counts once towards the page size. A page is resumed from
// the last entry it emitted, so consecutive pages never overlap or skip.
package listing

import (
	"encoding/base64"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// DefaultMaxKeys is the page size when none is requested, and the cap on
// requested page sizes.
const DefaultMaxKeys = 1000

// scanBatch is the number of records fetched from the store per round trip.
const scanBatch = 1000

// Engine lists the contents of buckets held in a metadata store.
type Engine struct {
	meta *metadata.Store
}

// NewEngine returns an Engine over meta.
func NewEngine(meta *metadata.Store) *Engine {
	return &Engine{meta: meta}
}

// ParseMaxKeys parses a max-keys style argument named name. Empty selects
// DefaultMaxKeys; larger values are capped to it.
func ParseMaxKeys(name, s string) (int, error) {
	if s == "" {
		return DefaultMaxKeys, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.
			WithMessage("Provided %s not an integer or within integer range", name).
			WithExtra("ArgumentName", name).
			WithExtra("ArgumentValue", s)
	}
	return min(n, DefaultMaxKeys), nil
}

// EncodeToken returns the opaque continuation token resuming after entry.
func EncodeToken(entry string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(entry))
}

// DecodeToken reverses EncodeToken. Tokens that were not produced by
// EncodeToken fail InvalidArgument.
func DecodeToken(token string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) == 0 {
		return "", s3err.ErrInvalidArgument.
			WithMessage("The continuation token provided is incorrect").
			WithExtra("ArgumentName", "continuation-token")
	}
	return string(data), nil
}

// admission is what a collector decided about one key.
type admission int

const (
	// skip drops the key: it precedes the marker or folds into a common
	// prefix already emitted.
	skip admission = iota
	// emitKey adds the key itself to the page.
	emitKey
	// emitPrefix added the key's common prefix to the page.
	emitPrefix
	// stop means the page is full and another entry exists.
	stop
)

// collector applies prefix, delimiter, marker and page size rules to a stream
// of keys in ascending order.
type collector struct {
	prefix    string
	delimiter string
	// marker is the last entry of the previous page. Common prefixes at or
	// before it were already returned.
	marker string
	max    int

	count      int
	lastPrefix string
	// last is the most recently emitted entry.
	last      string
	prefixes  []string
	truncated bool
}

// commonPrefix returns the common prefix key collapses into, if any.
func (c *collector) commonPrefix(key string) (string, bool) {
	if c.delimiter == "" || !strings.HasPrefix(key, c.prefix) {
		return "", false
	}
	rest := key[len(c.prefix):]
	i := strings.Index(rest, c.delimiter)
	if i < 0 {
		return "", false
	}
	return key[:len(c.prefix)+i+len(c.delimiter)], true
}

// admit classifies key, counting each emitted key or prefix against max.
// Callers must stop feeding keys once it returns stop.
func (c *collector) admit(key string) admission {
	if cp, ok := c.commonPrefix(key); ok {
		if c.marker != "" && cp <= c.marker {
			return skip
		}
		if cp == c.lastPrefix {
			return skip
		}
		if c.count >= c.max {
			c.truncated = true
			return stop
		}
		c.count++
		c.last = cp
		c.lastPrefix = cp
		c.prefixes = append(c.prefixes, cp)
		return emitPrefix
	}
	if c.count >= c.max {
		c.truncated = true
		return stop
	}
	c.count++
	c.last = key
	return emitKey
}
