package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"
	"sync"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metrics"
	"github.com/bleepstore/bleepcore/internal/uid"
)

var errWriteAborted = errors.New("storage: write aborted")

// Content describes a finalized payload.
type Content struct {
	ID   string
	ETag string
	Size int64
	MD5  []byte
}

// PartRef names one part to assemble.
type PartRef struct {
	ContentID string
	ETag      string
	Size      int64
}

// ContentStore writes and reads immutable payloads through a Backend and
// computes their ETags.
type ContentStore struct {
	backend Backend
	logger  *slog.Logger
}

// NewContentStore creates a ContentStore over backend.
func NewContentStore(backend Backend, logger *slog.Logger) *ContentStore {
	return &ContentStore{backend: backend, logger: logging.Component(logger, "content")}
}

// Backend returns the underlying blob backend.
func (s *ContentStore) Backend() Backend {
	return s.backend
}

// Writer streams a payload into the backend under a fresh content id. The
// payload is not visible to anyone until its id is referenced by a committed
// metadata record.
type Writer struct {
	store *ContentStore
	ctx   context.Context
	id    string
	pw    *io.PipeWriter
	hash  hash.Hash
	n     int64
	done  chan putResult

	once   sync.Once
	result putResult
}

type putResult struct {
	n   int64
	err error
}

// OpenWrite starts a new payload. size is a hint passed to the backend and
// may be -1. The caller must call Finalize or Abort.
func (s *ContentStore) OpenWrite(ctx context.Context, size int64) *Writer {
	pr, pw := io.Pipe()
	w := &Writer{
		store: s,
		ctx:   ctx,
		id:    uid.ContentID(),
		pw:    pw,
		hash:  md5.New(),
		done:  make(chan putResult, 1),
	}
	go func() {
		n, err := s.backend.Put(ctx, w.id, pr, size)
		if err != nil {
			pr.CloseWithError(err)
		} else {
			// Unblock writers if the backend stopped reading early.
			pr.CloseWithError(io.ErrClosedPipe)
		}
		w.done <- putResult{n: n, err: err}
	}()
	return w
}

// ID returns the content id being written.
func (w *Writer) ID() string {
	return w.id
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.hash.Write(p[:n])
	w.n += int64(n)
	return n, err
}

func (w *Writer) wait() putResult {
	w.once.Do(func() {
		w.result = <-w.done
	})
	return w.result
}

// Finalize completes the write and returns the content descriptor.
func (w *Writer) Finalize() (Content, error) {
	w.pw.Close()
	res := w.wait()
	if res.err != nil {
		w.cleanup()
		return Content{}, fmt.Errorf("writing content %s: %w", w.id, res.err)
	}
	if res.n != w.n {
		w.cleanup()
		return Content{}, fmt.Errorf("writing content %s: backend stored %d of %d bytes", w.id, res.n, w.n)
	}
	sum := w.hash.Sum(nil)
	metrics.BytesWrittenTotal.Add(float64(w.n))
	return Content{ID: w.id, ETag: FormatETag(sum), Size: w.n, MD5: sum}, nil
}

// Abort discards the write. It is safe to call after a failed Finalize.
func (w *Writer) Abort() {
	w.pw.CloseWithError(errWriteAborted)
	w.wait()
	w.cleanup()
}

func (w *Writer) cleanup() {
	if err := w.store.backend.Delete(context.WithoutCancel(w.ctx), w.id); err != nil {
		w.store.logger.Warn("Failed to remove abandoned content", "content_id", w.id, "error", err)
	}
}

// Put writes r as a new payload.
func (s *ContentStore) Put(ctx context.Context, r io.Reader, size int64) (Content, error) {
	w := s.OpenWrite(ctx, size)
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return Content{}, fmt.Errorf("streaming content: %w", err)
	}
	return w.Finalize()
}

// OpenRead opens a payload for reading. A nil span reads the whole payload.
func (s *ContentStore) OpenRead(ctx context.Context, id string, span *Span) (io.ReadCloser, error) {
	offset, length := int64(0), int64(-1)
	if span != nil {
		offset, length = span.Start, span.Length()
	}
	rc, err := s.backend.Get(ctx, id, offset, length)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc}, nil
}

// Delete removes a payload. Missing payloads are not an error.
func (s *ContentStore) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// Release deletes payloads whose metadata references are gone, logging
// failures instead of returning them. Leaked payloads are unreachable.
func (s *ContentStore) Release(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := s.backend.Delete(ctx, id); err != nil {
			s.logger.Warn("Failed to release content", "content_id", id, "error", err)
		}
	}
}

// Assemble concatenates parts into a new payload and returns it with the
// multipart ETag md5(concat(part md5s))-N. Backends implementing Composer
// assemble server-side; the rest are streamed part by part.
func (s *ContentStore) Assemble(ctx context.Context, parts []PartRef) (Content, error) {
	if len(parts) == 0 {
		return Content{}, fmt.Errorf("assembling content: no parts")
	}

	h := md5.New()
	var total int64
	srcs := make([]string, len(parts))
	for i, p := range parts {
		sum, err := ParseETag(p.ETag)
		if err != nil {
			return Content{}, fmt.Errorf("part %d: %w", i+1, err)
		}
		h.Write(sum)
		total += p.Size
		srcs[i] = p.ContentID
	}
	etag := fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(parts))

	id := uid.ContentID()
	var size int64
	var err error
	if c, ok := s.backend.(Composer); ok {
		size, err = c.Compose(ctx, id, srcs)
	} else {
		size, err = s.backend.Put(ctx, id, &partsReader{ctx: ctx, backend: s.backend, ids: srcs}, total)
	}
	if err != nil {
		s.Release(context.WithoutCancel(ctx), id)
		return Content{}, fmt.Errorf("assembling content: %w", err)
	}
	if size != total {
		s.Release(context.WithoutCancel(ctx), id)
		return Content{}, fmt.Errorf("assembling content: got %d bytes, parts hold %d", size, total)
	}
	return Content{ID: id, ETag: etag, Size: size}, nil
}

// partsReader reads the given blobs back to back, opening each only when the
// previous one is exhausted.
type partsReader struct {
	ctx     context.Context
	backend Backend
	ids     []string
	cur     io.ReadCloser
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.ids) == 0 {
				return 0, io.EOF
			}
			rc, err := r.backend.Get(r.ctx, r.ids[0], 0, -1)
			if err != nil {
				return 0, fmt.Errorf("opening part %s: %w", r.ids[0], err)
			}
			r.cur = rc
			r.ids = r.ids[1:]
		}
		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

type countingReader struct {
	io.ReadCloser
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		metrics.BytesReadTotal.Add(float64(n))
	}
	return n, err
}

// FormatETag renders an MD5 as a quoted hex ETag.
func FormatETag(sum []byte) string {
	return `"` + hex.EncodeToString(sum) + `"`
}

// ParseETag returns the MD5 carried by a single-part ETag.
func ParseETag(etag string) ([]byte, error) {
	raw := strings.Trim(etag, `"`)
	sum, err := hex.DecodeString(raw)
	if err != nil || len(sum) != md5.Size {
		return nil, fmt.Errorf("invalid etag %q", etag)
	}
	return sum, nil
}

// VerifyDigest checks a Content-MD5 header against the computed MD5. An empty
// header passes.
func VerifyDigest(contentMD5 string, sum []byte) error {
	if contentMD5 == "" {
		return nil
	}
	want, err := base64.StdEncoding.DecodeString(contentMD5)
	if err != nil || len(want) != md5.Size {
		return s3err.ErrInvalidDigest
	}
	if !bytes.Equal(want, sum) {
		return s3err.ErrBadDigest
	}
	return nil
}
