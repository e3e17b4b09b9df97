package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// Directory resolves canonical ids and email addresses to known principals.
type Directory struct {
	meta *metadata.Store
}

// NewDirectory returns a Directory backed by the user records of meta.
func NewDirectory(meta *metadata.Store) *Directory {
	return &Directory{meta: meta}
}

// Lookup returns the principal with the given canonical id.
func (d *Directory) Lookup(ctx context.Context, id string) (Principal, error) {
	u, err := d.meta.GetUser(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: u.ID, DisplayName: u.DisplayName}, nil
}

// ResolveGrants checks every grantee against the directory. Canonical users
// must exist (InvalidArgument otherwise) and gain their display name; email
// grantees are rewritten as the canonical user owning the address
// (UnresolvableGrantByEmailAddress otherwise). Group grantees pass through.
// The input slice is not modified.
func (d *Directory) ResolveGrants(ctx context.Context, grants []acl.Grant) ([]acl.Grant, error) {
	out := make([]acl.Grant, 0, len(grants))
	for _, g := range grants {
		switch g.Grantee.Type {
		case acl.CanonicalUser:
			u, err := d.meta.GetUser(ctx, g.Grantee.ID)
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, s3err.ErrInvalidArgument.WithMessage("Invalid id").
					WithExtra("ArgumentName", "CanonicalUser/ID").
					WithExtra("ArgumentValue", g.Grantee.ID)
			}
			if err != nil {
				return nil, s3err.Internal(err)
			}
			g.Grantee = acl.User(u.ID, u.DisplayName)
		case acl.ByEmail:
			u, err := d.meta.GetUserByEmail(ctx, g.Grantee.Email)
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, s3err.ErrUnresolvableGrantByEmail.WithExtra("EmailAddress", g.Grantee.Email)
			}
			if err != nil {
				return nil, s3err.Internal(err)
			}
			g.Grantee = acl.User(u.ID, u.DisplayName)
		}
		out = append(out, g)
	}
	return out, nil
}

// ResolveACL validates a and resolves its grantees.
func (d *Directory) ResolveACL(ctx context.Context, a acl.ACL) (acl.ACL, error) {
	if err := a.Validate(); err != nil {
		return acl.ACL{}, err
	}
	grants, err := d.ResolveGrants(ctx, a.Grants)
	if err != nil {
		return acl.ACL{}, err
	}
	return acl.ACL{Owner: a.Owner, Grants: grants}, nil
}

// Bootstrap seeds the directory with the configured users. Existing users are
// overwritten so config edits take effect on restart.
func (d *Directory) Bootstrap(ctx context.Context, users []config.UserConfig) error {
	for _, u := range users {
		rec := &metadata.UserRecord{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email}
		if existing, err := d.meta.GetUser(ctx, u.ID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := d.meta.PutUser(ctx, rec); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}
		slog.Debug("Seeded user", "id", u.ID, "email", u.Email)
	}
	return nil
}
