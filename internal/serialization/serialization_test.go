package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bleepstore/bleepcore/internal/acl"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

var owner = acl.Owner{ID: "owner-1", DisplayName: "Owner One"}

// seedStore returns a store holding one bucket, one object, one upload with
// a part, and one user.
func seedStore(t *testing.T) *metadata.Store {
	t.Helper()
	ctx := context.Background()
	s := metadata.NewStore(metadata.NewMemoryBackend())
	t.Cleanup(func() { s.Close() })

	if err := s.CreateBucket(ctx, &metadata.BucketRecord{
		Name:   "test-bucket",
		Region: "us-east-1",
		Owner:  owner,
		ACL:    acl.Private.Expand(owner, owner),
	}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := s.CommitObject(ctx, &metadata.ObjectVersion{
		Bucket:       "test-bucket",
		Key:          "photos/cat.jpg",
		Size:         142857,
		ETag:         `"d41d8cd98f00b204e9800998ecf8427e"`,
		ContentType:  "image/jpeg",
		UserMetadata: map[string]string{"author": "John"},
		Owner:        owner,
		ACL:          acl.Private.Expand(owner, owner),
		ContentID:    "content-1",
	}); err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	if err := s.CreateUpload(ctx, &metadata.MultipartUploadRecord{
		UploadID:  "upload-abc123",
		Bucket:    "test-bucket",
		Key:       "large-file.bin",
		Initiator: owner,
		Owner:     owner,
	}); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if _, err := s.PutPart(ctx, &metadata.PartRecord{
		UploadID:   "upload-abc123",
		PartNumber: 1,
		Size:       5242880,
		ETag:       `"098f6bcd4621d373cade4e832627b4f6"`,
		ContentID:  "content-2",
	}); err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	if err := s.PutUser(ctx, &metadata.UserRecord{ID: "owner-1", DisplayName: "Owner One", Email: "owner@example.com"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	return s
}

func parseExport(t *testing.T, out string) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	return data
}

func rows(t *testing.T, data map[string]any, table string) []any {
	t.Helper()
	r, ok := data[table].([]any)
	if !ok {
		t.Fatalf("table %s missing from export", table)
	}
	return r
}

func TestExportAllTables(t *testing.T) {
	s := seedStore(t)
	out, err := ExportMetadata(context.Background(), s.Backend(), nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	data := parseExport(t, out)

	envelope, ok := data["bleepcore_export"].(map[string]any)
	if !ok {
		t.Fatal("missing bleepcore_export envelope")
	}
	if envelope["version"] != float64(ExportVersion) {
		t.Errorf("version = %v, want %d", envelope["version"], ExportVersion)
	}
	if envelope["source"] != "go/"+Version {
		t.Errorf("source = %v", envelope["source"])
	}

	want := map[string]int{"buckets": 1, "objects": 1, "uploads": 1, "parts": 1, "users": 1, "emails": 1}
	for table, n := range want {
		if got := len(rows(t, data, table)); got != n {
			t.Errorf("%s rows = %d, want %d", table, got, n)
		}
	}
}

func TestExportRecordsExpanded(t *testing.T) {
	s := seedStore(t)
	out, err := ExportMetadata(context.Background(), s.Backend(), &ExportOptions{Tables: []string{"objects", "emails"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	data := parseExport(t, out)

	obj := rows(t, data, "objects")[0].(map[string]any)
	if obj["partition"] != "objects/test-bucket" {
		t.Errorf("partition = %v", obj["partition"])
	}
	record, ok := obj["record"].(map[string]any)
	if !ok {
		t.Fatalf("record is %T, want object", obj["record"])
	}
	if record["key"] != "photos/cat.jpg" || record["size"] != float64(142857) {
		t.Errorf("record = %v", record)
	}
	meta, _ := record["user_metadata"].(map[string]any)
	if meta["author"] != "John" {
		t.Errorf("user_metadata = %v", record["user_metadata"])
	}

	email := rows(t, data, "emails")[0].(map[string]any)
	if email["value"] != "owner-1" {
		t.Errorf("email value = %v, want owner-1", email["value"])
	}
}

func TestExportPartialTables(t *testing.T) {
	s := seedStore(t)
	out, err := ExportMetadata(context.Background(), s.Backend(), &ExportOptions{Tables: []string{"buckets", "parts"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	data := parseExport(t, out)
	if _, ok := data["objects"]; ok {
		t.Error("objects exported without being requested")
	}
	if got := len(rows(t, data, "parts")); got != 1 {
		t.Errorf("parts rows = %d, want 1", got)
	}
}

func TestExportUnknownTable(t *testing.T) {
	s := seedStore(t)
	_, err := ExportMetadata(context.Background(), s.Backend(), &ExportOptions{Tables: []string{"credentials"}})
	if err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestExportSortedKeys(t *testing.T) {
	s := seedStore(t)
	out, err := ExportMetadata(context.Background(), s.Backend(), nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	order := []string{`"bleepcore_export"`, `"buckets"`, `"emails"`, `"objects"`, `"parts"`, `"uploads"`, `"users"`}
	last := -1
	for _, k := range order {
		i := strings.Index(out, "\n  "+k+":")
		if i < 0 {
			t.Fatalf("top-level key %s not found", k)
		}
		if i < last {
			t.Errorf("key %s out of order", k)
		}
		last = i
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t)
	out, err := ExportMetadata(ctx, src.Backend(), nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dst := metadata.NewStore(metadata.NewMemoryBackend())
	defer dst.Close()
	res, err := ImportMetadata(ctx, dst.Backend(), out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	for _, table := range AllTables {
		if res.Counts[table] != 1 {
			t.Errorf("Counts[%s] = %d, want 1", table, res.Counts[table])
		}
	}

	b, err := dst.GetBucket(ctx, "test-bucket")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if b.Owner != owner {
		t.Errorf("bucket owner = %v", b.Owner)
	}
	v, err := dst.GetObjectVersion(ctx, "test-bucket", "photos/cat.jpg", "")
	if err != nil {
		t.Fatalf("GetObjectVersion: %v", err)
	}
	if v.Size != 142857 || v.UserMetadata["author"] != "John" {
		t.Errorf("object = %+v", v)
	}
	if _, err := dst.GetUpload(ctx, "test-bucket", "large-file.bin", "upload-abc123"); err != nil {
		t.Errorf("GetUpload: %v", err)
	}
	parts, err := dst.ListParts(ctx, "upload-abc123", 0, 0)
	if err != nil || len(parts) != 1 || parts[0].Size != 5242880 {
		t.Errorf("ListParts = %v, %v", parts, err)
	}
	u, err := dst.GetUserByEmail(ctx, "OWNER@example.com")
	if err != nil || u.ID != "owner-1" {
		t.Errorf("GetUserByEmail = %v, %v", u, err)
	}

	again, err := ExportMetadata(ctx, dst.Backend(), nil)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	strip := func(s string) map[string]any {
		d := parseExport(t, s)
		delete(d, "bleepcore_export")
		return d
	}
	a, _ := json.Marshal(strip(out))
	c, _ := json.Marshal(strip(again))
	if string(a) != string(c) {
		t.Error("re-export differs from the original export")
	}
}

func TestImportMergeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	out, err := ExportMetadata(ctx, s.Backend(), nil)
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	res, err := ImportMetadata(ctx, s.Backend(), out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	for _, table := range AllTables {
		if res.Counts[table] != 0 || res.Skipped[table] != 1 {
			t.Errorf("%s: counts=%d skipped=%d, want 0/1", table, res.Counts[table], res.Skipped[table])
		}
	}
}

func TestImportReplace(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t)
	out, err := ExportMetadata(ctx, src.Backend(), &ExportOptions{Tables: []string{"buckets", "objects"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dst := seedStore(t)
	if _, err := dst.CommitObject(ctx, &metadata.ObjectVersion{
		Bucket: "test-bucket",
		Key:    "extra",
		Owner:  owner,
	}); err != nil {
		t.Fatalf("CommitObject: %v", err)
	}

	res, err := ImportMetadata(ctx, dst.Backend(), out, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	if res.Counts["objects"] != 1 {
		t.Errorf("Counts[objects] = %d, want 1", res.Counts["objects"])
	}
	if _, err := dst.GetObjectVersion(ctx, "test-bucket", "extra", ""); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("extra object survived replace: %v", err)
	}
	// Tables absent from the document are left alone.
	if _, err := dst.GetUser(ctx, "owner-1"); err != nil {
		t.Errorf("GetUser: %v", err)
	}
}

func TestImportSkipsMalformedRows(t *testing.T) {
	doc := `{
		"bleepcore_export": {"version": 1},
		"buckets": [
			{"partition": "objects/x", "sort": "a", "record": {}},
			{"partition": "buckets", "sort": "", "record": {}},
			{"partition": "buckets", "sort": "b", "record": "text"},
			{"partition": "buckets", "sort": "ok", "record": {"name": "ok"}}
		]
	}`
	s := metadata.NewStore(metadata.NewMemoryBackend())
	defer s.Close()
	res, err := ImportMetadata(context.Background(), s.Backend(), doc, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	if res.Counts["buckets"] != 1 || res.Skipped["buckets"] != 3 {
		t.Errorf("counts=%d skipped=%d, want 1/3", res.Counts["buckets"], res.Skipped["buckets"])
	}
	if len(res.Warnings) != 3 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestImportInvalidVersion(t *testing.T) {
	s := metadata.NewStore(metadata.NewMemoryBackend())
	defer s.Close()
	for _, doc := range []string{
		`{"bleepcore_export": {"version": 99}}`,
		`{"buckets": []}`,
		`not json`,
	} {
		if _, err := ImportMetadata(context.Background(), s.Backend(), doc, nil); err == nil {
			t.Errorf("ImportMetadata(%q) succeeded", doc)
		}
	}
}
