package listing

import (
	"context"
	"strconv"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
)

// MaxPartNumber is the highest part number a multipart upload accepts.
const MaxPartNumber = 10000

// UploadsParams are the arguments of ListMultipartUploads. UploadIDMarker is
// ignored without KeyMarker.
type UploadsParams struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// UploadsResult is one page of ListMultipartUploads.
type UploadsResult struct {
	Uploads            []*metadata.MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListMultipartUploads returns one page of the in-progress uploads of bucket,
// ordered by key and then upload id.
func (e *Engine) ListMultipartUploads(ctx context.Context, bucket string, p UploadsParams) (*UploadsResult, error) {
	c := &collector{prefix: p.Prefix, delimiter: p.Delimiter, marker: p.KeyMarker, max: p.MaxUploads}
	res := &UploadsResult{}
	if c.max == 0 {
		return res, nil
	}

	keyMarker, idMarker := p.KeyMarker, p.UploadIDMarker
	if keyMarker == "" {
		idMarker = ""
	}
	lastID := ""

scan:
	for {
		page, err := e.meta.ListUploads(ctx, bucket, c.prefix, keyMarker, idMarker, scanBatch)
		if err != nil {
			return nil, err
		}
		for _, u := range page {
			keyMarker, idMarker = u.Key, u.UploadID
			switch c.admit(u.Key) {
			case emitKey:
				res.Uploads = append(res.Uploads, u)
				lastID = u.UploadID
			case emitPrefix:
				lastID = ""
			case stop:
				break scan
			}
		}
		if len(page) < scanBatch {
			break
		}
	}

	res.CommonPrefixes = c.prefixes
	res.IsTruncated = c.truncated
	if c.truncated {
		res.NextKeyMarker = c.last
		res.NextUploadIDMarker = lastID
	}
	return res, nil
}

// ParsePartNumberMarker parses a part-number-marker argument. Empty means
// the beginning of the upload.
func ParsePartNumberMarker(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > MaxPartNumber {
		return 0, s3err.ErrInvalidArgument.
			WithMessage("Part number marker must be an integer between 0 and %d", MaxPartNumber).
			WithExtra("ArgumentName", "part-number-marker").
			WithExtra("ArgumentValue", s)
	}
	return n, nil
}

// PartsParams are the arguments of ListParts.
type PartsParams struct {
	PartNumberMarker int
	MaxParts         int
}

// PartsResult is one page of ListParts.
type PartsResult struct {
	Parts                []*metadata.PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// ListParts returns one page of the parts of an upload in part number order.
func (e *Engine) ListParts(ctx context.Context, uploadID string, p PartsParams) (*PartsResult, error) {
	res := &PartsResult{}
	if p.MaxParts == 0 {
		return res, nil
	}
	parts, err := e.meta.ListParts(ctx, uploadID, p.PartNumberMarker, p.MaxParts+1)
	if err != nil {
		return nil, err
	}
	if len(parts) > p.MaxParts {
		parts = parts[:p.MaxParts]
		res.IsTruncated = true
	}
	res.Parts = parts
	if res.IsTruncated {
		res.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	return res, nil
}
