package access

import (
	"sort"
	"strings"
)

// Condition keys understood by the evaluator. Keys are matched
// case-insensitively; the tag name after ExistingObjectTag/ and
// RequestObjectTag/ is case-sensitive.
const (
	KeyACL               = "s3:x-amz-acl"
	KeyCopySource        = "s3:x-amz-copy-source"
	KeyMetadataDirective = "s3:x-amz-metadata-directive"
	KeyStorageClass      = "s3:x-amz-storage-class"
	KeyPrefix            = "s3:prefix"
	KeyDelimiter         = "s3:delimiter"
	KeyMaxKeys           = "s3:max-keys"
	KeyVersionID         = "s3:versionid"

	existingTagPrefix = "s3:existingobjecttag/"
	requestTagPrefix  = "s3:requestobjecttag/"
)

var knownKeys = map[string]bool{
	KeyACL:               true,
	KeyCopySource:        true,
	KeyMetadataDirective: true,
	KeyStorageClass:      true,
	KeyPrefix:            true,
	KeyDelimiter:         true,
	KeyMaxKeys:           true,
	KeyVersionID:         true,
}

// ExistingObjectTagKey returns the condition key for an existing object tag.
func ExistingObjectTagKey(tag string) string {
	return existingTagPrefix + tag
}

// RequestObjectTagKey returns the condition key for a tag sent with the request.
func RequestObjectTagKey(tag string) string {
	return requestTagPrefix + tag
}

// normalizeKey lower-cases the key name but keeps the tag suffix intact.
func normalizeKey(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return strings.ToLower(key[:i+1]) + key[i+1:]
	}
	return strings.ToLower(key)
}

func validConditionKey(key string) bool {
	switch {
	case knownKeys[key]:
		return true
	case strings.HasPrefix(key, existingTagPrefix), strings.HasPrefix(key, requestTagPrefix):
		return len(key) > strings.IndexByte(key, '/')+1
	case strings.HasPrefix(key, "aws:"):
		return true
	}
	return false
}

// Values supplies the request context a condition is evaluated against.
type Values interface {
	// Lookup returns the value of a normalized condition key.
	Lookup(key string) (string, bool)
}

// Condition is a node of a compiled policy condition.
type Condition interface {
	Eval(v Values) bool
}

// StringEquals holds when the key is present and equals Value.
type StringEquals struct {
	Key   string
	Value string
}

func (c StringEquals) Eval(v Values) bool {
	got, ok := v.Lookup(c.Key)
	return ok && got == c.Value
}

// StringNotEquals holds when the key is absent or differs from Value.
type StringNotEquals struct {
	Key   string
	Value string
}

func (c StringNotEquals) Eval(v Values) bool {
	got, ok := v.Lookup(c.Key)
	return !ok || got != c.Value
}

// StringLike holds when the key is present and matches Pattern, which may
// use * and ? wildcards.
type StringLike struct {
	Key     string
	Pattern string
}

func (c StringLike) Eval(v Values) bool {
	got, ok := v.Lookup(c.Key)
	return ok && matchPattern(c.Pattern, got)
}

// StringNotLike holds when the key is absent or does not match Pattern.
type StringNotLike struct {
	Key     string
	Pattern string
}

func (c StringNotLike) Eval(v Values) bool {
	got, ok := v.Lookup(c.Key)
	return !ok || !matchPattern(c.Pattern, got)
}

// IfExists holds when Key is absent, and otherwise defers to Cond.
type IfExists struct {
	Key  string
	Cond Condition
}

func (c IfExists) Eval(v Values) bool {
	if _, ok := v.Lookup(c.Key); !ok {
		return true
	}
	return c.Cond.Eval(v)
}

// And holds when every child holds. An empty And holds.
type And []Condition

func (c And) Eval(v Values) bool {
	for _, child := range c {
		if !child.Eval(v) {
			return false
		}
	}
	return true
}

// Or holds when any child holds.
type Or []Condition

func (c Or) Eval(v Values) bool {
	for _, child := range c {
		if child.Eval(v) {
			return true
		}
	}
	return false
}

// Not negates its child.
type Not struct {
	Cond Condition
}

func (c Not) Eval(v Values) bool {
	return !c.Cond.Eval(v)
}

// compileConditions turns a policy Condition block into an And of one node
// per (operator, key). A key listing several values holds when any value
// matches; for the negated operators it holds when none does. Operators and
// keys are visited in sorted order so the tree is deterministic.
func compileConditions(block map[string]map[string]stringList) (Condition, error) {
	if len(block) == 0 {
		return nil, nil
	}
	ops := make([]string, 0, len(block))
	for op := range block {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var out And
	for _, op := range ops {
		base, ifExists := strings.CutSuffix(op, "IfExists")
		keys := make([]string, 0, len(block[op]))
		for k := range block[op] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, rawKey := range keys {
			key := normalizeKey(rawKey)
			if !validConditionKey(key) {
				return nil, policyErrInvalidConditionKey
			}
			node, err := compileOperator(base, key, block[op][rawKey])
			if err != nil {
				return nil, err
			}
			if ifExists {
				node = IfExists{Key: key, Cond: node}
			}
			out = append(out, node)
		}
	}
	return out, nil
}

func compileOperator(op, key string, values stringList) (Condition, error) {
	if len(values) == 0 {
		return nil, policyErrInvalidCondition
	}
	var negated bool
	var leaf func(string) Condition
	switch op {
	case "StringEquals":
		leaf = func(s string) Condition { return StringEquals{Key: key, Value: s} }
	case "StringNotEquals":
		if len(values) == 1 {
			return StringNotEquals{Key: key, Value: values[0]}, nil
		}
		negated = true
		leaf = func(s string) Condition { return StringEquals{Key: key, Value: s} }
	case "StringLike":
		leaf = func(s string) Condition { return StringLike{Key: key, Pattern: s} }
	case "StringNotLike":
		if len(values) == 1 {
			return StringNotLike{Key: key, Pattern: values[0]}, nil
		}
		negated = true
		leaf = func(s string) Condition { return StringLike{Key: key, Pattern: s} }
	default:
		return nil, policyErrInvalidConditionOperator
	}

	if len(values) == 1 {
		return leaf(values[0]), nil
	}
	alts := make(Or, 0, len(values))
	for _, s := range values {
		alts = append(alts, leaf(s))
	}
	if negated {
		return Not{Cond: alts}, nil
	}
	return alts, nil
}
