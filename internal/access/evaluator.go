// Package access decides whether a principal may perform an action on a
// bucket or object by combining bucket policies, ownership and ACL grants.
//
// Decision order:
//
//  1. an explicit Deny in the bucket policy denies,
//  2. the owner of the resource is allowed,
//  3. an Allow in the bucket policy allows,
//  4. an ACL grant carrying the required permission allows,
//  5. everything else is denied.
package access

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// Decision is the outcome of an evaluation.
type Decision bool

const (
	Denied  Decision = false
	Allowed Decision = true
)

// Request is one authorization question.
type Request struct {
	Principal auth.Principal
	Action    Action
	// Bucket is nil only for CreateBucket.
	Bucket *metadata.BucketRecord
	// Object is the version whose ACL governs object-level actions. When nil,
	// object-level actions fall back to the bucket ACL.
	Object *metadata.ObjectVersion
	Key    string
	// Conditions carries request condition values keyed by the Key* constants.
	Conditions map[string]string
	// RequestTags are the tags the request would set.
	RequestTags map[string]string
}

// Lookup implements Values.
func (r *Request) Lookup(key string) (string, bool) {
	key = normalizeKey(key)
	if tag, ok := strings.CutPrefix(key, existingTagPrefix); ok {
		if r.Object == nil {
			return "", false
		}
		for _, t := range r.Object.Tags {
			if t.Key == tag {
				return t.Value, true
			}
		}
		return "", false
	}
	if tag, ok := strings.CutPrefix(key, requestTagPrefix); ok {
		v, ok := r.RequestTags[tag]
		return v, ok
	}
	for k, v := range r.Conditions {
		if normalizeKey(k) == key {
			return v, true
		}
	}
	return "", false
}

func (r *Request) resource() string {
	if r.Action.IsObjectAction() && r.Key != "" {
		return r.Bucket.Name + "/" + r.Key
	}
	return r.Bucket.Name
}

type cachedPolicy struct {
	raw    []byte
	policy *Policy
}

// Evaluator evaluates Requests. Compiled policies are cached per bucket
// and recompiled when the stored document changes.
type Evaluator struct {
	logger *slog.Logger

	mu       sync.Mutex
	policies map[string]cachedPolicy
}

// NewEvaluator returns an Evaluator logging through logger.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		logger:   logging.Component(logger, "access"),
		policies: make(map[string]cachedPolicy),
	}
}

func (e *Evaluator) policyFor(b *metadata.BucketRecord) (*Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.policies[b.Name]; ok && bytes.Equal(c.raw, b.Policy) {
		return c.policy, nil
	}
	p, err := ParsePolicy(b.Policy, b.Name)
	if err != nil {
		return nil, err
	}
	e.policies[b.Name] = cachedPolicy{raw: bytes.Clone(b.Policy), policy: p}
	return p, nil
}

// Forget drops the cached policy of bucket.
func (e *Evaluator) Forget(bucket string) {
	e.mu.Lock()
	delete(e.policies, bucket)
	e.mu.Unlock()
}

// Evaluate answers r.
func (e *Evaluator) Evaluate(r *Request) Decision {
	if r.Bucket == nil {
		return Decision(r.Action == CreateBucket && !r.Principal.IsAnonymous())
	}

	spec, known := actions[r.Action]
	if !known {
		e.logger.Warn("Unknown action denied", "action", r.Action)
		return Denied
	}

	governing := r.Bucket.ACL
	owner := r.Bucket.Owner.ID
	if spec.source == objectACL && r.Object != nil {
		governing = r.Object.ACL
		owner = r.Object.Owner.ID
	}
	isOwner := !r.Principal.IsAnonymous() && r.Principal.ID == owner

	effect := NoMatch
	if len(r.Bucket.Policy) > 0 {
		p, err := e.policyFor(r.Bucket)
		if err != nil {
			// An unreadable stored policy grants nothing; owners keep access.
			e.logger.Error("Stored bucket policy is invalid", "bucket", r.Bucket.Name, "error", err)
			return Decision(isOwner)
		}
		effect = p.Evaluate(r.Principal, r.Action, r.resource(), r)
	}

	switch {
	case effect == Deny:
		e.logger.Debug("Denied by bucket policy", "principal", r.Principal, "action", r.Action, "bucket", r.Bucket.Name)
		return Denied
	case isOwner:
		return Allowed
	case effect == Allow:
		return Allowed
	case grantsPermission(governing, r.Principal, spec.perm):
		return Allowed
	}
	return Denied
}

// Authorize returns AccessDenied unless r is allowed.
func (e *Evaluator) Authorize(r *Request) error {
	if e.Evaluate(r) {
		return nil
	}
	return s3err.ErrAccessDenied
}

// grantsPermission reports whether any grant of a that applies to p carries
// perm or FULL_CONTROL.
func grantsPermission(a acl.ACL, p auth.Principal, perm acl.Permission) bool {
	for _, g := range a.Grants {
		if !g.Permission.Satisfies(perm) {
			continue
		}
		if granteeMatches(g.Grantee, p) {
			return true
		}
	}
	return false
}

func granteeMatches(g acl.Grantee, p auth.Principal) bool {
	switch g.Type {
	case acl.CanonicalUser:
		return !p.IsAnonymous() && g.ID == p.ID
	case acl.Group:
		switch g.URI {
		case acl.AllUsersURI:
			return true
		case acl.AuthenticatedUsersURI:
			return !p.IsAnonymous()
		}
	}
	return false
}
