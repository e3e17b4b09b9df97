package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bleepstore/bleepcore/internal/acl"
)

// NullVersionID is the version id of objects written while versioning is not
// enabled.
const NullVersionID = "null"

// VersioningState is the versioning configuration of a bucket.
type VersioningState int

const (
	Unversioned VersioningState = iota
	VersioningEnabled
	VersioningSuspended
)

// String returns the S3 status spelling ("" for never-configured buckets).
func (v VersioningState) String() string {
	switch v {
	case VersioningEnabled:
		return "Enabled"
	case VersioningSuspended:
		return "Suspended"
	default:
		return ""
	}
}

// ParseVersioningState parses "Enabled" or "Suspended".
func ParseVersioningState(s string) (VersioningState, error) {
	switch s {
	case "Enabled":
		return VersioningEnabled, nil
	case "Suspended":
		return VersioningSuspended, nil
	}
	return Unversioned, fmt.Errorf("invalid versioning status %q", s)
}

// Tag is a key/value tag on a bucket or object.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TagMap flattens a tag set.
func TagMap(tags []Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}

// BucketRecord holds bucket metadata and bucket-level configuration.
// Policy, Lifecycle and CORS are stored as the JSON encoding of their
// owning packages' documents.
type BucketRecord struct {
	Name       string          `json:"name"`
	Region     string          `json:"region"`
	Owner      acl.Owner       `json:"owner"`
	CreatedAt  time.Time       `json:"created_at"`
	ACL        acl.ACL         `json:"acl"`
	Versioning VersioningState `json:"versioning"`
	Policy     json.RawMessage `json:"policy,omitempty"`
	Lifecycle  json.RawMessage `json:"lifecycle,omitempty"`
	CORS       json.RawMessage `json:"cors,omitempty"`
	Tags       []Tag           `json:"tags,omitempty"`

	// Revision is the backend revision the record was read at.
	Revision int64 `json:"-"`
}

// ObjectVersion is one version of an object, or a delete marker.
type ObjectVersion struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id"`
	// Sequence is the ULID that orders this version among its siblings.
	Sequence       string `json:"sequence"`
	IsDeleteMarker bool   `json:"delete_marker,omitempty"`

	Size               int64             `json:"size"`
	ETag               string            `json:"etag,omitempty"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
	StorageClass       string            `json:"storage_class,omitempty"`
	Owner              acl.Owner         `json:"owner"`
	ACL                acl.ACL           `json:"acl"`
	Tags               []Tag             `json:"tags,omitempty"`
	// ContentID addresses the payload in the content store.
	ContentID    string    `json:"content_id,omitempty"`
	PartCount    int       `json:"part_count,omitempty"`
	LastModified time.Time `json:"last_modified"`

	Revision int64 `json:"-"`
}

// MultipartUploadRecord describes an in-progress multipart upload and the
// attributes of the object it will produce.
type MultipartUploadRecord struct {
	UploadID           string            `json:"upload_id"`
	Bucket             string            `json:"bucket"`
	Key                string            `json:"key"`
	Initiator          acl.Owner         `json:"initiator"`
	Owner              acl.Owner         `json:"owner"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
	StorageClass       string            `json:"storage_class,omitempty"`
	ACL                acl.ACL           `json:"acl"`
	Tags               []Tag             `json:"tags,omitempty"`
	Initiated          time.Time         `json:"initiated"`

	Revision int64 `json:"-"`
}

// PartRecord is one uploaded part.
type PartRecord struct {
	UploadID     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentID    string    `json:"content_id"`
	LastModified time.Time `json:"last_modified"`

	Revision int64 `json:"-"`
}

// UserRecord is a principal known to the engine, used to resolve grantees.
type UserRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Owner returns the user as an ACL owner.
func (u *UserRecord) Owner() acl.Owner {
	return acl.Owner{ID: u.ID, DisplayName: u.DisplayName}
}

// Usage is the storage accounted to a bucket.
type Usage struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
	// Uploads is the number of in-progress multipart uploads.
	Uploads int64 `json:"uploads"`
	// PartBytes is the size of parts held by in-progress uploads, included in Bytes.
	PartBytes int64 `json:"part_bytes"`
}
