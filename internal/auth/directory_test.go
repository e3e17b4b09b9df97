package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	meta := metadata.NewStore(metadata.NewMemoryBackend())
	t.Cleanup(func() { meta.Close() })
	d := NewDirectory(meta)
	err := d.Bootstrap(context.Background(), []config.UserConfig{
		{ID: "alice-id", DisplayName: "alice", Email: "alice@example.com"},
		{ID: "bob-id", DisplayName: "bob", Email: "bob@example.com"},
	})
	require.NoError(t, err)
	return d
}

func TestPrincipal(t *testing.T) {
	assert.True(t, Anonymous.IsAnonymous())
	assert.Equal(t, "anonymous", Anonymous.String())

	p := Principal{ID: "alice-id", DisplayName: "alice"}
	assert.False(t, p.IsAnonymous())
	assert.Equal(t, acl.Owner{ID: "alice-id", DisplayName: "alice"}, p.Owner())
}

func TestDirectoryLookup(t *testing.T) {
	d := newTestDirectory(t)

	p, err := d.Lookup(context.Background(), "bob-id")
	require.NoError(t, err)
	assert.Equal(t, Principal{ID: "bob-id", DisplayName: "bob"}, p)

	_, err = d.Lookup(context.Background(), "nobody")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestResolveGrants(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	in := []acl.Grant{
		{Grantee: acl.User("alice-id", ""), Permission: acl.PermFullControl},
		{Grantee: acl.Grantee{Type: acl.ByEmail, Email: "BOB@example.com"}, Permission: acl.PermRead},
		{Grantee: acl.GroupGrantee(acl.AllUsersURI), Permission: acl.PermRead},
	}
	out, err := d.ResolveGrants(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []acl.Grant{
		{Grantee: acl.User("alice-id", "alice"), Permission: acl.PermFullControl},
		{Grantee: acl.User("bob-id", "bob"), Permission: acl.PermRead},
		{Grantee: acl.GroupGrantee(acl.AllUsersURI), Permission: acl.PermRead},
	}, out)
	assert.Equal(t, acl.ByEmail, in[1].Grantee.Type, "input must not be modified")
}

func TestResolveGrantsUnknown(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.ResolveGrants(ctx, []acl.Grant{{Grantee: acl.User("ghost", ""), Permission: acl.PermRead}})
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)

	_, err = d.ResolveGrants(ctx, []acl.Grant{{
		Grantee:    acl.Grantee{Type: acl.ByEmail, Email: "ghost@example.com"},
		Permission: acl.PermRead,
	}})
	assert.ErrorIs(t, err, s3err.ErrUnresolvableGrantByEmail)
}

func TestResolveACLValidates(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.ResolveACL(context.Background(), acl.ACL{
		Owner:  acl.Owner{ID: "alice-id"},
		Grants: []acl.Grant{{Grantee: acl.User("bob-id", ""), Permission: "EVERYTHING"}},
	})
	assert.ErrorIs(t, err, s3err.ErrMalformedACLError)
}

func TestBootstrapKeepsCreatedAt(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	before, err := d.meta.GetUser(ctx, "alice-id")
	require.NoError(t, err)

	require.NoError(t, d.Bootstrap(ctx, []config.UserConfig{{ID: "alice-id", DisplayName: "Alice", Email: "alice@example.org"}}))
	after, err := d.meta.GetUser(ctx, "alice-id")
	require.NoError(t, err)
	assert.Equal(t, "Alice", after.DisplayName)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt))

	_, err = d.meta.GetUserByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, metadata.ErrNotFound, "stale email index should be dropped")
}
