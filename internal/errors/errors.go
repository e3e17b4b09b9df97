// Package errors defines the S3-compatible error taxonomy used throughout the engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an S3Error so callers can branch without matching codes.
type Kind int

const (
	// KindValidation covers malformed input rejected before any mutation.
	KindValidation Kind = iota
	// KindNotFound covers absent buckets, keys, versions, uploads and configurations.
	KindNotFound
	// KindConflict covers state conflicts the caller must resolve.
	KindConflict
	// KindAuthorization is reported for every access denial.
	KindAuthorization
	// KindInternal wraps storage-layer failures.
	KindInternal
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// S3Error represents an S3 API error with a machine-readable code,
// human-readable message, HTTP status code, and optional extra fields.
type S3Error struct {
	// Code is the S3 error code (e.g., "NoSuchBucket", "AccessDenied").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status a transport layer should answer with.
	HTTPStatus int
	// Kind is the taxonomy bucket of the error.
	Kind Kind
	// ExtraFields holds additional key-value pairs (e.g. the offending argument).
	ExtraFields map[string]string

	cause error
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("S3Error %s (%d): %s: %v", e.Code, e.HTTPStatus, e.Message, e.cause)
	}
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *S3Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an S3Error with the same code, so that
// copies produced by WithExtra or WithMessage still match the predefined vars.
func (e *S3Error) Is(target error) bool {
	t, ok := target.(*S3Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithExtra returns a copy of the S3Error with the given extra field set.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the S3Error carrying a more specific message.
func (e *S3Error) WithMessage(format string, args ...any) *S3Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Internal wraps a storage-layer failure as InternalError. Errors that are
// already S3Errors pass through unchanged.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var s3e *S3Error
	if stderrors.As(err, &s3e) {
		return err
	}
	cp := *ErrInternalError
	cp.cause = err
	return &cp
}

// KindOf returns the Kind of err, treating non-S3 errors as internal.
func KindOf(err error) Kind {
	var s3e *S3Error
	if stderrors.As(err, &s3e) {
		return s3e.Kind
	}
	return KindInternal
}

// CodeOf returns the S3 error code of err, or "InternalError".
func CodeOf(err error) string {
	var s3e *S3Error
	if stderrors.As(err, &s3e) {
		return s3e.Code
	}
	return ErrInternalError.Code
}

func newErr(kind Kind, status int, code, msg string) *S3Error {
	return &S3Error{Code: code, Message: msg, HTTPStatus: status, Kind: kind}
}

// Authorization.
var (
	ErrAccessDenied = newErr(KindAuthorization, 403, "AccessDenied", "Access Denied")
)

// Not found.
var (
	ErrNoSuchBucket                 = newErr(KindNotFound, 404, "NoSuchBucket", "The specified bucket does not exist")
	ErrNoSuchKey                    = newErr(KindNotFound, 404, "NoSuchKey", "The specified key does not exist")
	ErrNoSuchVersion                = newErr(KindNotFound, 404, "NoSuchVersion", "The specified version does not exist")
	ErrNoSuchUpload                 = newErr(KindNotFound, 404, "NoSuchUpload", "The specified multipart upload does not exist")
	ErrNoSuchLifecycleConfiguration = newErr(KindNotFound, 404, "NoSuchLifecycleConfiguration", "The lifecycle configuration does not exist")
	ErrNoSuchBucketPolicy           = newErr(KindNotFound, 404, "NoSuchBucketPolicy", "The bucket policy does not exist")
	ErrNoSuchCORSConfiguration      = newErr(KindNotFound, 404, "NoSuchCORSConfiguration", "The CORS configuration does not exist")
	ErrNoSuchTagSet                 = newErr(KindNotFound, 404, "NoSuchTagSet", "The TagSet does not exist")
)

// Conflict.
var (
	ErrBucketAlreadyExists     = newErr(KindConflict, 409, "BucketAlreadyExists", "The requested bucket name is not available")
	ErrBucketAlreadyOwnedByYou = newErr(KindConflict, 409, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it")
	ErrBucketNotEmpty          = newErr(KindConflict, 409, "BucketNotEmpty", "The bucket you tried to delete is not empty")
	ErrOperationAborted        = newErr(KindConflict, 409, "OperationAborted", "A conflicting conditional operation is currently in progress against this resource")
	ErrMethodNotAllowed        = newErr(KindConflict, 405, "MethodNotAllowed", "The specified method is not allowed against this resource")
)

// Validation.
var (
	ErrInvalidBucketName             = newErr(KindValidation, 400, "InvalidBucketName", "The specified bucket is not valid")
	ErrInvalidArgument               = newErr(KindValidation, 400, "InvalidArgument", "Invalid Argument")
	ErrInvalidRequest                = newErr(KindValidation, 400, "InvalidRequest", "Invalid Request")
	ErrMalformedXML                  = newErr(KindValidation, 400, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema")
	ErrMalformedACLError             = newErr(KindValidation, 400, "MalformedACLError", "The XML you provided was not well-formed or did not validate against our published schema")
	ErrMalformedPolicy               = newErr(KindValidation, 400, "MalformedPolicy", "Policy has invalid resource")
	ErrUnresolvableGrantByEmail      = newErr(KindValidation, 400, "UnresolvableGrantByEmailAddress", "The e-mail address you provided does not match any account on record")
	ErrInvalidPart                   = newErr(KindValidation, 400, "InvalidPart", "One or more of the specified parts could not be found")
	ErrInvalidPartOrder              = newErr(KindValidation, 400, "InvalidPartOrder", "The list of parts was not in ascending order")
	ErrEntityTooSmall                = newErr(KindValidation, 400, "EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size")
	ErrEntityTooLarge                = newErr(KindValidation, 400, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size")
	ErrInvalidDigest                 = newErr(KindValidation, 400, "InvalidDigest", "The Content-MD5 you specified is not valid")
	ErrBadDigest                     = newErr(KindValidation, 400, "BadDigest", "The Content-MD5 you specified did not match what we received")
	ErrInvalidRange                  = newErr(KindValidation, 416, "InvalidRange", "The requested range is not satisfiable")
	ErrInvalidTag                    = newErr(KindValidation, 400, "InvalidTag", "The TagSet provided is not valid")
	ErrKeyTooLong                    = newErr(KindValidation, 400, "KeyTooLongError", "Your key is too long")
	ErrInvalidLocationConstraint     = newErr(KindValidation, 400, "InvalidLocationConstraint", "The specified location constraint is not valid")
	ErrIllegalVersioningConfig       = newErr(KindValidation, 400, "IllegalVersioningConfigurationException", "The versioning configuration specified in the request is invalid")
	ErrInvalidStorageClass           = newErr(KindValidation, 400, "InvalidStorageClass", "The storage class you specified is not valid")
	ErrTooManyBuckets                = newErr(KindValidation, 400, "TooManyBuckets", "You have attempted to create more buckets than allowed")
	ErrMissingContentLength          = newErr(KindValidation, 411, "MissingContentLength", "You must provide the Content-Length HTTP header")
	ErrTooManyTags                   = newErr(KindValidation, 400, "BadRequest", "Object tags cannot be greater than 10")
	ErrPreconditionFailed            = newErr(KindValidation, 412, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
	ErrNotModified                   = newErr(KindValidation, 304, "NotModified", "Not Modified")
)

// Internal.
var (
	ErrInternalError = newErr(KindInternal, 500, "InternalError", "We encountered an internal error. Please try again.")
)
