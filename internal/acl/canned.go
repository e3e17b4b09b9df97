package acl

import (
	"fmt"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

// CannedACL is one of the named ACL presets.
type CannedACL int

const (
	Private CannedACL = iota
	PublicRead
	PublicReadWrite
	AuthenticatedRead
	BucketOwnerRead
	BucketOwnerFullControl
	LogDeliveryWrite
)

// CannedACLs lists every preset in declaration order.
var CannedACLs = []CannedACL{
	Private,
	PublicRead,
	PublicReadWrite,
	AuthenticatedRead,
	BucketOwnerRead,
	BucketOwnerFullControl,
	LogDeliveryWrite,
}

// String returns the x-amz-acl spelling of the preset.
func (c CannedACL) String() string {
	switch c {
	case Private:
		return "private"
	case PublicRead:
		return "public-read"
	case PublicReadWrite:
		return "public-read-write"
	case AuthenticatedRead:
		return "authenticated-read"
	case BucketOwnerRead:
		return "bucket-owner-read"
	case BucketOwnerFullControl:
		return "bucket-owner-full-control"
	case LogDeliveryWrite:
		return "log-delivery-write"
	}
	return fmt.Sprintf("CannedACL(%d)", int(c))
}

// ParseCannedACL parses an x-amz-acl value. The empty string means private.
func ParseCannedACL(s string) (CannedACL, error) {
	if s == "" {
		return Private, nil
	}
	for _, c := range CannedACLs {
		if c.String() == s {
			return c, nil
		}
	}
	return Private, s3err.ErrInvalidArgument.WithExtra("ArgumentName", "x-amz-acl").WithExtra("ArgumentValue", s)
}

// Expand returns the grant list the preset stands for. owner is the owner of
// the resource the ACL is attached to; bucketOwner is the owner of the
// enclosing bucket (equal to owner for bucket ACLs). The owner's FULL_CONTROL
// grant always comes first.
func (c CannedACL) Expand(owner, bucketOwner Owner) ACL {
	out := ACL{
		Owner:  owner,
		Grants: []Grant{{Grantee: User(owner.ID, owner.DisplayName), Permission: PermFullControl}},
	}
	add := func(g Grantee, p Permission) {
		out.Grants = append(out.Grants, Grant{Grantee: g, Permission: p})
	}

	switch c {
	case Private:
	case PublicRead:
		add(GroupGrantee(AllUsersURI), PermRead)
	case PublicReadWrite:
		add(GroupGrantee(AllUsersURI), PermRead)
		add(GroupGrantee(AllUsersURI), PermWrite)
	case AuthenticatedRead:
		add(GroupGrantee(AuthenticatedUsersURI), PermRead)
	case BucketOwnerRead:
		if bucketOwner.ID != "" && bucketOwner.ID != owner.ID {
			add(User(bucketOwner.ID, bucketOwner.DisplayName), PermRead)
		}
	case BucketOwnerFullControl:
		if bucketOwner.ID != "" && bucketOwner.ID != owner.ID {
			add(User(bucketOwner.ID, bucketOwner.DisplayName), PermFullControl)
		}
	case LogDeliveryWrite:
		add(GroupGrantee(LogDeliveryURI), PermWrite)
		add(GroupGrantee(LogDeliveryURI), PermReadACP)
	default:
		panic(fmt.Sprintf("acl: unhandled canned ACL %d", int(c)))
	}
	return out
}
