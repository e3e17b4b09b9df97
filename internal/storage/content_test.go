package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/logging"
)

func newTestContentStore(t *testing.T, b Backend) *ContentStore {
	t.Helper()
	return NewContentStore(b, logging.Discard())
}

// streamOnly hides a backend's Composer so Assemble takes the streaming path.
type streamOnly struct {
	Backend
}

func readContent(t *testing.T, cs *ContentStore, id string, span *Span) string {
	t.Helper()
	rc, err := cs.OpenRead(context.Background(), id, span)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestContentPutComputesETag(t *testing.T) {
	cs := newTestContentStore(t, NewMemoryBackend(0))

	body := "hello world"
	c, err := cs.Put(context.Background(), strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	sum := md5.Sum([]byte(body))
	assert.Equal(t, fmt.Sprintf(`"%x"`, sum), c.ETag)
	assert.Equal(t, sum[:], c.MD5)
	assert.EqualValues(t, len(body), c.Size)
	assert.Equal(t, body, readContent(t, cs, c.ID, nil))
}

func TestContentWriterStreamsInChunks(t *testing.T) {
	backend := newTestBackend(t)
	cs := newTestContentStore(t, backend)

	w := cs.OpenWrite(context.Background(), -1)
	var want bytes.Buffer
	for i := range 100 {
		chunk := []byte(fmt.Sprintf("chunk-%03d;", i))
		want.Write(chunk)
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}
	c, err := w.Finalize()
	require.NoError(t, err)
	assert.EqualValues(t, want.Len(), c.Size)
	assert.Equal(t, want.String(), readContent(t, cs, c.ID, nil))
}

func TestContentAbortRemovesPayload(t *testing.T) {
	backend := NewMemoryBackend(0)
	cs := newTestContentStore(t, backend)
	ctx := context.Background()

	w := cs.OpenWrite(ctx, -1)
	_, err := w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort()

	ok, err := backend.Exists(ctx, w.ID())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, backend.Size())
}

func TestContentFinalizeSurfacesBackendError(t *testing.T) {
	cs := newTestContentStore(t, NewMemoryBackend(4))

	_, err := cs.Put(context.Background(), strings.NewReader("too large"), 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFull), "got %v", err)
}

func TestContentOpenReadSpan(t *testing.T) {
	cs := newTestContentStore(t, NewMemoryBackend(0))
	c, err := cs.Put(context.Background(), strings.NewReader("0123456789"), 10)
	require.NoError(t, err)

	span, err := ByteRange{Start: 2, End: 5}.Resolve(c.Size)
	require.NoError(t, err)
	assert.Equal(t, "2345", readContent(t, cs, c.ID, &span))

	_, err = cs.OpenRead(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentAssemble(t *testing.T) {
	for name, backend := range map[string]Backend{
		"compose": NewMemoryBackend(0),
		"stream":  streamOnly{NewMemoryBackend(0)},
	} {
		t.Run(name, func(t *testing.T) {
			cs := newTestContentStore(t, backend)
			ctx := context.Background()

			var refs []PartRef
			var md5s []byte
			var want string
			for _, body := range []string{"first-", "second-", "third"} {
				c, err := cs.Put(ctx, strings.NewReader(body), int64(len(body)))
				require.NoError(t, err)
				refs = append(refs, PartRef{ContentID: c.ID, ETag: c.ETag, Size: c.Size})
				md5s = append(md5s, c.MD5...)
				want += body
			}

			out, err := cs.Assemble(ctx, refs)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf(`"%x-3"`, md5.Sum(md5s)), out.ETag)
			assert.EqualValues(t, len(want), out.Size)
			assert.Equal(t, want, readContent(t, cs, out.ID, nil))

			for _, r := range refs {
				ok, _ := backend.Exists(ctx, r.ContentID)
				assert.True(t, ok, "part %s removed by Assemble", r.ContentID)
			}
		})
	}
}

func TestContentAssembleSizeMismatch(t *testing.T) {
	backend := NewMemoryBackend(0)
	cs := newTestContentStore(t, backend)
	ctx := context.Background()

	c, err := cs.Put(ctx, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	_, err = cs.Assemble(ctx, []PartRef{{ContentID: c.ID, ETag: c.ETag, Size: 99}})
	require.Error(t, err)
	assert.EqualValues(t, 3, backend.Size(), "assembled payload should be released")
}

func TestVerifyDigest(t *testing.T) {
	sum := md5.Sum([]byte("payload"))
	good := base64.StdEncoding.EncodeToString(sum[:])
	other := md5.Sum([]byte("other"))

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"empty header", "", nil},
		{"match", good, nil},
		{"mismatch", base64.StdEncoding.EncodeToString(other[:]), s3err.ErrBadDigest},
		{"not base64", "!!!", s3err.ErrInvalidDigest},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), s3err.ErrInvalidDigest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyDigest(tt.header, sum[:])
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseETag(t *testing.T) {
	sum := md5.Sum([]byte("x"))
	got, err := ParseETag(FormatETag(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, sum[:], got)

	_, err = ParseETag(`"abc-2"`)
	assert.Error(t, err)
}
