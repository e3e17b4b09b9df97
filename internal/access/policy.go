package access

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

// Policy language versions.
const (
	PolicyVersion2008 = "2008-10-17"
	PolicyVersion2012 = "2012-10-17"
)

const resourceARNPrefix = "arn:aws:s3:::"

type policyErr string

func (e policyErr) Error() string {
	return string(e)
}

const (
	policyErrResourceMismatch         = policyErr("Action does not apply to any resource(s) in statement")
	policyErrInvalidResource          = policyErr("Policy has invalid resource")
	policyErrInvalidPrincipal         = policyErr("Invalid principal in policy")
	policyErrInvalidAction            = policyErr("Policy has invalid action")
	policyErrInvalidEffect            = policyErr("Invalid effect")
	policyErrInvalidPolicy            = policyErr("This policy contains invalid Json")
	policyErrInvalidFirstChar         = policyErr("Policies must be valid JSON and the first byte must be '{'")
	policyErrEmptyStatement           = policyErr("Could not parse the policy: Statement is empty!")
	policyErrMissingStatementField    = policyErr("Missing required field Statement")
	policyErrInvalidVersion           = policyErr("The policy must contain a valid version string")
	policyErrInvalidCondition         = policyErr("Policy has an invalid condition")
	policyErrInvalidConditionKey      = policyErr("Policy has an invalid condition key")
	policyErrInvalidConditionOperator = policyErr("Invalid Condition type")
)

func malformedPolicy(err error) error {
	return s3err.ErrMalformedPolicy.WithMessage("%s", err.Error())
}

// Effect is the effect of a matching statement.
type Effect string

const (
	// NoMatch means no statement applied.
	NoMatch Effect = ""
	Allow   Effect = "Allow"
	Deny    Effect = "Deny"
)

// Policy is a compiled bucket policy.
type Policy struct {
	Version    string
	ID         string
	Statements []Statement
}

// Statement is one compiled policy statement.
type Statement struct {
	Sid        string
	Effect     Effect
	Principals principalSet
	Actions    []Action
	NotActions []Action
	// Resources are resource patterns with the ARN prefix removed.
	Resources []string
	// Condition is nil for unconditional statements.
	Condition Condition
}

// stringList decodes a JSON string or array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*l = multi
	return nil
}

type rawStatement struct {
	Sid       string                           `json:"Sid"`
	Effect    string                           `json:"Effect"`
	Principal json.RawMessage                  `json:"Principal"`
	Action    stringList                       `json:"Action"`
	NotAction stringList                       `json:"NotAction"`
	Resource  stringList                       `json:"Resource"`
	Condition map[string]map[string]stringList `json:"Condition"`
}

// rawStatements decodes a single statement object or an array of them.
type rawStatements []rawStatement

func (s *rawStatements) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var one rawStatement
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = rawStatements{one}
		return nil
	}
	var many []rawStatement
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type rawPolicy struct {
	Version   *string        `json:"Version"`
	ID        string         `json:"Id"`
	Statement *rawStatements `json:"Statement"`
}

// ParsePolicy parses and validates a bucket policy document for bucket. Any
// problem is reported as MalformedPolicy.
func ParsePolicy(data []byte, bucket string) (*Policy, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, malformedPolicy(policyErrInvalidFirstChar)
	}
	var raw rawPolicy
	if err := json.Unmarshal(data, &raw); err != nil {
		var pe policyErr
		if errors.As(err, &pe) {
			return nil, malformedPolicy(pe)
		}
		return nil, malformedPolicy(policyErrInvalidPolicy)
	}
	if raw.Statement == nil {
		return nil, malformedPolicy(policyErrMissingStatementField)
	}
	if len(*raw.Statement) == 0 {
		return nil, malformedPolicy(policyErrEmptyStatement)
	}

	p := &Policy{Version: PolicyVersion2008, ID: raw.ID}
	if raw.Version != nil {
		p.Version = *raw.Version
	}
	if p.Version != PolicyVersion2008 && p.Version != PolicyVersion2012 {
		return nil, malformedPolicy(policyErrInvalidVersion)
	}

	for _, rs := range *raw.Statement {
		st, err := compileStatement(rs, bucket)
		if err != nil {
			return nil, malformedPolicy(err)
		}
		p.Statements = append(p.Statements, st)
	}
	return p, nil
}

func compileStatement(rs rawStatement, bucket string) (Statement, error) {
	st := Statement{Sid: rs.Sid, Effect: Effect(rs.Effect)}
	if st.Effect != Allow && st.Effect != Deny {
		return st, policyErrInvalidEffect
	}

	principals, err := parsePrincipal(rs.Principal)
	if err != nil {
		return st, err
	}
	st.Principals = principals

	if (len(rs.Action) == 0) == (len(rs.NotAction) == 0) {
		return st, policyErrInvalidAction
	}
	for _, a := range rs.Action {
		if !validAction(Action(a)) {
			return st, policyErrInvalidAction
		}
		st.Actions = append(st.Actions, Action(a))
	}
	for _, a := range rs.NotAction {
		if !validAction(Action(a)) {
			return st, policyErrInvalidAction
		}
		st.NotActions = append(st.NotActions, Action(a))
	}

	if len(rs.Resource) == 0 {
		return st, policyErrInvalidResource
	}
	for _, r := range rs.Resource {
		pattern, ok := strings.CutPrefix(r, resourceARNPrefix)
		if !ok || pattern == "" || strings.HasPrefix(pattern, "/") {
			return st, policyErrInvalidResource
		}
		if pattern != bucket && !strings.HasPrefix(pattern, bucket+"/") {
			return st, policyErrInvalidResource
		}
		st.Resources = append(st.Resources, pattern)
	}
	if err := st.checkResourceKinds(); err != nil {
		return st, err
	}

	cond, err := compileConditions(rs.Condition)
	if err != nil {
		return st, err
	}
	st.Condition = cond
	return st, nil
}

// checkResourceKinds rejects statements naming an exact action whose
// resource kind (bucket or object) none of the resources provide.
func (st *Statement) checkResourceKinds() error {
	var hasObject, hasBucket bool
	for _, r := range st.Resources {
		if strings.Contains(r, "/") {
			hasObject = true
		} else {
			hasBucket = true
		}
	}
	for _, a := range st.Actions {
		spec, ok := actions[a]
		if !ok {
			continue
		}
		if spec.object && !hasObject || !spec.object && !hasBucket {
			return policyErrResourceMismatch
		}
	}
	return nil
}

// principalSet is the Principal element of a statement.
type principalSet struct {
	everyone bool
	ids      map[string]struct{}
}

func (ps principalSet) contains(p auth.Principal) bool {
	if ps.everyone {
		return true
	}
	if p.IsAnonymous() {
		return false
	}
	_, ok := ps.ids[p.ID]
	return ok
}

// parsePrincipal accepts "*", {"AWS": ...} and {"CanonicalUser": ...}. AWS
// principals may be bare canonical ids or arn:aws:iam::<id>:... ARNs.
func parsePrincipal(data json.RawMessage) (principalSet, error) {
	ps := principalSet{ids: make(map[string]struct{})}
	if len(data) == 0 {
		return ps, policyErrInvalidPrincipal
	}
	var star string
	if err := json.Unmarshal(data, &star); err == nil {
		if star != "*" {
			return ps, policyErrInvalidPrincipal
		}
		ps.everyone = true
		return ps, nil
	}

	var byType map[string]stringList
	if err := json.Unmarshal(data, &byType); err != nil || len(byType) == 0 {
		return ps, policyErrInvalidPrincipal
	}
	for typ, values := range byType {
		if typ != "AWS" && typ != "CanonicalUser" {
			return ps, policyErrInvalidPrincipal
		}
		if len(values) == 0 {
			return ps, policyErrInvalidPrincipal
		}
		for _, v := range values {
			if v == "*" {
				ps.everyone = true
				continue
			}
			id := v
			if rest, ok := strings.CutPrefix(v, "arn:aws:iam::"); ok {
				id, _, _ = strings.Cut(rest, ":")
			}
			if id == "" {
				return ps, policyErrInvalidPrincipal
			}
			ps.ids[id] = struct{}{}
		}
	}
	return ps, nil
}

// PrincipalIDs returns the canonical ids named anywhere in the policy, so the
// caller can check that they exist.
func (p *Policy) PrincipalIDs() []string {
	seen := make(map[string]struct{})
	for _, st := range p.Statements {
		for id := range st.Principals.ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (st *Statement) matchAction(a Action) bool {
	if len(st.NotActions) > 0 {
		for _, na := range st.NotActions {
			if na.Match(a) {
				return false
			}
		}
		return true
	}
	for _, pa := range st.Actions {
		if pa.Match(a) {
			return true
		}
	}
	return false
}

func (st *Statement) matchResource(resource string) bool {
	for _, r := range st.Resources {
		if matchPattern(r, resource) {
			return true
		}
	}
	return false
}

func (st *Statement) matches(p auth.Principal, a Action, resource string, v Values) bool {
	if !st.Principals.contains(p) || !st.matchAction(a) || !st.matchResource(resource) {
		return false
	}
	return st.Condition == nil || st.Condition.Eval(v)
}

// Evaluate returns Deny if any matching statement denies, Allow if at least
// one matching statement allows, and NoMatch otherwise. resource is "bucket"
// or "bucket/key".
func (p *Policy) Evaluate(principal auth.Principal, action Action, resource string, v Values) Effect {
	effect := NoMatch
	for i := range p.Statements {
		st := &p.Statements[i]
		if !st.matches(principal, action, resource, v) {
			continue
		}
		if st.Effect == Deny {
			return Deny
		}
		effect = Allow
	}
	return effect
}
