// Package acl models S3 access control lists: owners, grantees, grants and
// the canned ACL presets that expand into grant lists.
package acl

import (
	"fmt"
	"strings"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

// Permission is a grantable S3 permission.
type Permission string

const (
	PermRead        Permission = "READ"
	PermWrite       Permission = "WRITE"
	PermReadACP     Permission = "READ_ACP"
	PermWriteACP    Permission = "WRITE_ACP"
	PermFullControl Permission = "FULL_CONTROL"
)

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermRead, PermWrite, PermReadACP, PermWriteACP, PermFullControl:
		return p, nil
	}
	return "", s3err.ErrMalformedACLError.WithMessage("unknown permission %q", s)
}

// Satisfies reports whether holding p grants the required permission.
func (p Permission) Satisfies(required Permission) bool {
	return p == PermFullControl || p == required
}

// GranteeType discriminates Grantee.
type GranteeType string

const (
	CanonicalUser GranteeType = "CanonicalUser"
	Group         GranteeType = "Group"
	// ByEmail grantees only exist on input; they are resolved to canonical
	// users before an ACL is stored.
	ByEmail GranteeType = "AmazonCustomerByEmail"
)

// Predefined group URIs.
const (
	AllUsersURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	AuthenticatedUsersURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	LogDeliveryURI        = "http://acs.amazonaws.com/groups/s3/LogDelivery"
)

// Owner identifies the owning principal of a bucket, object or upload.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Grantee is the recipient of a grant.
type Grantee struct {
	Type        GranteeType `json:"type"`
	ID          string      `json:"id,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	URI         string      `json:"uri,omitempty"`
	Email       string      `json:"email,omitempty"`
}

// User returns a canonical-user grantee.
func User(id, displayName string) Grantee {
	return Grantee{Type: CanonicalUser, ID: id, DisplayName: displayName}
}

// GroupGrantee returns a group grantee.
func GroupGrantee(uri string) Grantee {
	return Grantee{Type: Group, URI: uri}
}

func (g Grantee) String() string {
	switch g.Type {
	case Group:
		return "uri=" + g.URI
	case ByEmail:
		return "emailAddress=" + g.Email
	default:
		return "id=" + g.ID
	}
}

// Grant pairs a grantee with a permission.
type Grant struct {
	Grantee    Grantee    `json:"grantee"`
	Permission Permission `json:"permission"`
}

// ACL is an owner plus its grant list.
type ACL struct {
	Owner  Owner   `json:"owner"`
	Grants []Grant `json:"grants"`
}

// Equal reports whether two ACLs carry the same owner and the same grants in
// the same order.
func (a ACL) Equal(b ACL) bool {
	if a.Owner.ID != b.Owner.ID || len(a.Grants) != len(b.Grants) {
		return false
	}
	for i := range a.Grants {
		ga, gb := a.Grants[i], b.Grants[i]
		if ga.Permission != gb.Permission || ga.Grantee.Type != gb.Grantee.Type ||
			ga.Grantee.ID != gb.Grantee.ID || ga.Grantee.URI != gb.Grantee.URI ||
			ga.Grantee.Email != gb.Grantee.Email {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (a ACL) Clone() ACL {
	out := ACL{Owner: a.Owner}
	if a.Grants != nil {
		out.Grants = append([]Grant(nil), a.Grants...)
	}
	return out
}

// Validate checks that every grant is well-formed.
func (a ACL) Validate() error {
	if a.Owner.ID == "" {
		return s3err.ErrMalformedACLError.WithMessage("missing owner")
	}
	for _, g := range a.Grants {
		if _, err := ParsePermission(string(g.Permission)); err != nil {
			return err
		}
		switch g.Grantee.Type {
		case CanonicalUser:
			if g.Grantee.ID == "" {
				return s3err.ErrMalformedACLError.WithMessage("canonical user grantee without id")
			}
		case Group:
			switch g.Grantee.URI {
			case AllUsersURI, AuthenticatedUsersURI, LogDeliveryURI:
			default:
				return s3err.ErrInvalidArgument.WithMessage("invalid group uri %q", g.Grantee.URI)
			}
		case ByEmail:
			if g.Grantee.Email == "" {
				return s3err.ErrMalformedACLError.WithMessage("email grantee without address")
			}
		default:
			return s3err.ErrMalformedACLError.WithMessage("unknown grantee type %q", g.Grantee.Type)
		}
	}
	return nil
}

// ParseGrantList parses an x-amz-grant-* style value such as
// `id="abc", emailAddress="a@b.c", uri="http://..."` into grants of perm.
func ParseGrantList(perm Permission, value string) ([]Grant, error) {
	var grants []Grant
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, s3err.ErrInvalidArgument.WithMessage("malformed grant %q", entry)
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		var g Grantee
		switch strings.TrimSpace(k) {
		case "id":
			g = User(v, "")
		case "uri":
			g = GroupGrantee(v)
		case "emailAddress":
			g = Grantee{Type: ByEmail, Email: v}
		default:
			return nil, s3err.ErrInvalidArgument.WithMessage("unknown grantee key %q", k)
		}
		grants = append(grants, Grant{Grantee: g, Permission: perm})
	}
	if len(grants) == 0 {
		return nil, s3err.ErrInvalidArgument.WithMessage("empty grant list for %s", perm)
	}
	return grants, nil
}

func (g Grant) String() string {
	return fmt.Sprintf("%s:%s", g.Grantee, g.Permission)
}
