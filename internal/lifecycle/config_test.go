package lifecycle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

func expireRule(id string, days int) Rule {
	return Rule{ID: id, Status: StatusEnabled, Expiration: &Expiration{Days: days}}
}

func TestValidate(t *testing.T) {
	tag := &metadata.Tag{Key: "team", Value: "a"}
	tests := []struct {
		name  string
		rules []Rule
		want  error
	}{
		{"no rules", nil, s3err.ErrMalformedXML},
		{"valid", []Rule{expireRule("r", 1)}, nil},
		{"bad status", []Rule{{ID: "r", Status: "On", Expiration: &Expiration{Days: 1}}}, s3err.ErrMalformedXML},
		{"no action", []Rule{{ID: "r", Status: StatusEnabled}}, s3err.ErrMalformedXML},
		{"duplicate id", []Rule{expireRule("r", 1), expireRule("r", 2)}, s3err.ErrInvalidArgument},
		{"long id", []Rule{expireRule(strings.Repeat("x", 256), 1)}, s3err.ErrInvalidArgument},
		{"zero days", []Rule{expireRule("r", 0)}, s3err.ErrInvalidArgument},
		{"negative days", []Rule{expireRule("r", -3)}, s3err.ErrInvalidArgument},
		{"days and date", []Rule{{ID: "r", Status: StatusEnabled, Expiration: &Expiration{Days: 1, Date: "2030-01-01"}}}, s3err.ErrMalformedXML},
		{"bad date", []Rule{{ID: "r", Status: StatusEnabled, Expiration: &Expiration{Date: "soon"}}}, s3err.ErrMalformedXML},
		{"date", []Rule{{ID: "r", Status: StatusEnabled, Expiration: &Expiration{Date: "2030-01-01T00:00:00Z"}}}, nil},
		{"prefix and filter", []Rule{{ID: "r", Status: StatusEnabled, Prefix: "a", Filter: &Filter{Prefix: "b"}, Expiration: &Expiration{Days: 1}}}, s3err.ErrMalformedXML},
		{"filter prefix and tag", []Rule{{ID: "r", Status: StatusEnabled, Filter: &Filter{Prefix: "b", Tag: tag}, Expiration: &Expiration{Days: 1}}}, s3err.ErrMalformedXML},
		{"duplicate and tags", []Rule{{ID: "r", Status: StatusEnabled, Filter: &Filter{And: &AndFilter{Tags: []metadata.Tag{*tag, *tag}}}, Expiration: &Expiration{Days: 1}}}, s3err.ErrInvalidTag},
		{"inverted sizes", []Rule{{ID: "r", Status: StatusEnabled, Filter: &Filter{ObjectSizeGreaterThan: 10, ObjectSizeLessThan: 5}, Expiration: &Expiration{Days: 1}}}, s3err.ErrInvalidArgument},
		{"transition class", []Rule{{ID: "r", Status: StatusEnabled, Transitions: []Transition{{Days: 30, StorageClass: "GLACIER"}}}}, nil},
		{"unknown class", []Rule{{ID: "r", Status: StatusEnabled, Transitions: []Transition{{Days: 30, StorageClass: "TAPE"}}}}, s3err.ErrInvalidStorageClass},
		{"noncurrent zero", []Rule{{ID: "r", Status: StatusEnabled, NoncurrentVersionExpiration: &NoncurrentVersionExpiration{}}}, s3err.ErrInvalidArgument},
		{"abort zero", []Rule{{ID: "r", Status: StatusEnabled, AbortIncompleteMultipartUpload: &AbortIncompleteMultipartUpload{}}}, s3err.ErrInvalidArgument},
		{"abort with tag", []Rule{{ID: "r", Status: StatusEnabled, Filter: &Filter{Tag: tag}, AbortIncompleteMultipartUpload: &AbortIncompleteMultipartUpload{DaysAfterInitiation: 1}}}, s3err.ErrInvalidRequest},
		{"delete marker with tag", []Rule{{ID: "r", Status: StatusEnabled, Filter: &Filter{Tag: tag}, Expiration: &Expiration{ExpiredObjectDeleteMarker: true}}}, s3err.ErrInvalidArgument},
		{"several actions", []Rule{{
			ID:                             "r",
			Status:                         StatusDisabled,
			Expiration:                     &Expiration{Days: 365},
			Transitions:                    []Transition{{Days: 30, StorageClass: "STANDARD_IA"}},
			NoncurrentVersionExpiration:    &NoncurrentVersionExpiration{NoncurrentDays: 7, NewerNoncurrentVersions: 2},
			AbortIncompleteMultipartUpload: &AbortIncompleteMultipartUpload{DaysAfterInitiation: 3},
		}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Configuration{Rules: tt.rules}
			err := c.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestValidateAssignsIDs(t *testing.T) {
	c := &Configuration{Rules: []Rule{expireRule("", 1), expireRule("", 2)}}
	require.NoError(t, c.Validate())
	assert.NotEmpty(t, c.Rules[0].ID)
	assert.NotEqual(t, c.Rules[0].ID, c.Rules[1].ID)
}

func TestRuleMatches(t *testing.T) {
	tags := []metadata.Tag{{Key: "team", Value: "a"}, {Key: "env", Value: "prod"}}
	tests := []struct {
		name string
		rule Rule
		key  string
		size int64
		want bool
	}{
		{"no filter", Rule{}, "any", 1, true},
		{"legacy prefix", Rule{Prefix: "logs/"}, "logs/1", 1, true},
		{"legacy prefix miss", Rule{Prefix: "logs/"}, "data/1", 1, false},
		{"filter prefix", Rule{Filter: &Filter{Prefix: "tmp/"}}, "tmp/x", 1, true},
		{"tag", Rule{Filter: &Filter{Tag: &metadata.Tag{Key: "team", Value: "a"}}}, "k", 1, true},
		{"tag value differs", Rule{Filter: &Filter{Tag: &metadata.Tag{Key: "team", Value: "b"}}}, "k", 1, false},
		{"and", Rule{Filter: &Filter{And: &AndFilter{Prefix: "k", Tags: tags}}}, "key", 1, true},
		{"and missing tag", Rule{Filter: &Filter{And: &AndFilter{Tags: []metadata.Tag{{Key: "owner", Value: "x"}}}}}, "key", 1, false},
		{"size above", Rule{Filter: &Filter{ObjectSizeGreaterThan: 10}}, "k", 11, true},
		{"size at bound", Rule{Filter: &Filter{ObjectSizeGreaterThan: 10}}, "k", 10, false},
		{"size below", Rule{Filter: &Filter{And: &AndFilter{ObjectSizeLessThan: 10}}}, "k", 9, true},
		{"size too big", Rule{Filter: &Filter{And: &AndFilter{ObjectSizeLessThan: 10}}}, "k", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(tt.key, tt.size, tags))
		})
	}
}

func TestExpiry(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Configuration{Rules: []Rule{
		{ID: "long", Status: StatusEnabled, Expiration: &Expiration{Days: 30}},
		{ID: "short", Status: StatusEnabled, Filter: &Filter{Prefix: "tmp/"}, Expiration: &Expiration{Days: 2}},
		{ID: "off", Status: StatusDisabled, Expiration: &Expiration{Days: 1}},
	}}

	at, id, ok := c.Expiry(&metadata.ObjectVersion{Key: "tmp/a", LastModified: modified}, 24*time.Hour)
	require.True(t, ok)
	assert.Equal(t, "short", id)
	assert.Equal(t, modified.Add(48*time.Hour), at)

	_, id, ok = c.Expiry(&metadata.ObjectVersion{Key: "docs/a", LastModified: modified}, 24*time.Hour)
	require.True(t, ok)
	assert.Equal(t, "long", id)

	none := &Configuration{Rules: []Rule{{ID: "t", Status: StatusEnabled, Transitions: []Transition{{Days: 1, StorageClass: "GLACIER"}}}}}
	_, _, ok = none.Expiry(&metadata.ObjectVersion{Key: "a", LastModified: modified}, time.Hour)
	assert.False(t, ok)
}

func TestParseRoundTrip(t *testing.T) {
	c := &Configuration{Rules: []Rule{expireRule("r", 3)}}
	data, err := c.Marshal()
	require.NoError(t, err)
	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = Parse([]byte("{"))
	assert.Error(t, err)
}
