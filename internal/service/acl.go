package service

import (
	"context"
	"time"

	"github.com/bleepstore/bleepcore/internal/access"
	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/auth"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// ACLInput is the access control part of a request. At most one of Canned,
// Policy and Grants may be set; none means private.
type ACLInput struct {
	// Canned is an x-amz-acl value.
	Canned string
	// Policy is an explicit AccessControlPolicy.
	Policy *acl.ACL
	// Grants come from x-amz-grant-* values.
	Grants []acl.Grant
}

func (in ACLInput) isSet() bool {
	return in.Canned != "" || in.Policy != nil || len(in.Grants) > 0
}

// resolve builds the ACL for a resource owned by owner inside a bucket owned
// by bucketOwner. Grantees are resolved through the directory.
func (s *Service) resolveACL(ctx context.Context, in ACLInput, owner, bucketOwner acl.Owner) (acl.ACL, error) {
	set := 0
	if in.Canned != "" {
		set++
	}
	if in.Policy != nil {
		set++
	}
	if len(in.Grants) > 0 {
		set++
	}
	if set > 1 {
		return acl.ACL{}, s3err.ErrInvalidRequest.WithMessage("Specifying both Canned ACLs and Header Grants is not allowed")
	}

	switch {
	case in.Policy != nil:
		a := in.Policy.Clone()
		if a.Owner.ID == "" {
			a.Owner = owner
		}
		if a.Owner.ID != owner.ID {
			return acl.ACL{}, s3err.ErrAccessDenied
		}
		return s.directory.ResolveACL(ctx, a)
	case len(in.Grants) > 0:
		grants, err := s.directory.ResolveGrants(ctx, in.Grants)
		if err != nil {
			return acl.ACL{}, err
		}
		return acl.ACL{Owner: owner, Grants: grants}, nil
	}
	c, err := acl.ParseCannedACL(in.Canned)
	if err != nil {
		return acl.ACL{}, err
	}
	return c.Expand(owner, bucketOwner), nil
}

// GetBucketACL returns the bucket's ACL.
func (s *Service) GetBucketACL(ctx context.Context, p auth.Principal, bucket string) (_ acl.ACL, err error) {
	defer observe("GetBucketAcl", time.Now(), &err)
	b, err := s.authorizedBucket(ctx, p, bucket, access.GetBucketAcl, nil)
	if err != nil {
		return acl.ACL{}, err
	}
	return b.ACL, nil
}

// PutBucketACL replaces the bucket's ACL. Concurrent writers are serialized
// by the bucket's compare-and-swap; each one succeeds.
func (s *Service) PutBucketACL(ctx context.Context, p auth.Principal, bucket string, in ACLInput) (err error) {
	defer observe("PutBucketAcl", time.Now(), &err)
	conds := map[string]string{}
	if in.Canned != "" {
		conds[access.KeyACL] = in.Canned
	}
	b, err := s.authorizedBucket(ctx, p, bucket, access.PutBucketAcl, conds)
	if err != nil {
		return err
	}
	if !in.isSet() {
		return s3err.ErrMalformedACLError.WithMessage("An ACL must be specified")
	}
	a, err := s.resolveACL(ctx, in, b.Owner, b.Owner)
	if err != nil {
		return err
	}
	_, err = s.updateBucket(ctx, bucket, func(rec *metadata.BucketRecord) error {
		rec.ACL = a
		return nil
	})
	return err
}

// GetObjectACL returns the ACL of a version (the current one when versionID
// is empty).
func (s *Service) GetObjectACL(ctx context.Context, p auth.Principal, bucket, key, versionID string) (_ acl.ACL, err error) {
	defer observe("GetObjectAcl", time.Now(), &err)
	action := access.GetObjectAcl
	if versionID != "" {
		action = access.GetObjectVersionAcl
	}
	_, v, err := s.authorizedObject(ctx, p, bucket, key, versionID, action, nil)
	if err != nil {
		return acl.ACL{}, err
	}
	return v.ACL, nil
}

// PutObjectACL replaces the ACL of a version. A failed grantee resolution
// leaves the stored ACL untouched.
func (s *Service) PutObjectACL(ctx context.Context, p auth.Principal, bucket, key, versionID string, in ACLInput) (err error) {
	defer observe("PutObjectAcl", time.Now(), &err)
	action := access.PutObjectAcl
	if versionID != "" {
		action = access.PutObjectVersionAcl
	}
	conds := map[string]string{}
	if in.Canned != "" {
		conds[access.KeyACL] = in.Canned
	}
	b, v, err := s.authorizedObject(ctx, p, bucket, key, versionID, action, conds)
	if err != nil {
		return err
	}
	if !in.isSet() {
		return s3err.ErrMalformedACLError.WithMessage("An ACL must be specified")
	}
	a, err := s.resolveACL(ctx, in, v.Owner, b.Owner)
	if err != nil {
		return err
	}
	return s.updateVersion(ctx, v, func(cur *metadata.ObjectVersion) error {
		cur.ACL = a
		return nil
	})
}
