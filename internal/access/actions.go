package access

import (
	"strings"

	"github.com/bleepstore/bleepcore/internal/acl"
)

// Action is an S3 policy action name.
type Action string

const (
	CreateBucket               Action = "s3:CreateBucket"
	DeleteBucket               Action = "s3:DeleteBucket"
	ListBucket                 Action = "s3:ListBucket"
	ListBucketVersions         Action = "s3:ListBucketVersions"
	ListBucketMultipartUploads Action = "s3:ListBucketMultipartUploads"
	GetBucketLocation          Action = "s3:GetBucketLocation"
	GetBucketAcl               Action = "s3:GetBucketAcl"
	PutBucketAcl               Action = "s3:PutBucketAcl"
	GetBucketPolicy            Action = "s3:GetBucketPolicy"
	PutBucketPolicy            Action = "s3:PutBucketPolicy"
	DeleteBucketPolicy         Action = "s3:DeleteBucketPolicy"
	GetBucketVersioning        Action = "s3:GetBucketVersioning"
	PutBucketVersioning        Action = "s3:PutBucketVersioning"
	GetLifecycleConfiguration  Action = "s3:GetLifecycleConfiguration"
	PutLifecycleConfiguration  Action = "s3:PutLifecycleConfiguration"
	GetBucketCORS              Action = "s3:GetBucketCORS"
	PutBucketCORS              Action = "s3:PutBucketCORS"
	GetBucketTagging           Action = "s3:GetBucketTagging"
	PutBucketTagging           Action = "s3:PutBucketTagging"
	GetObject                  Action = "s3:GetObject"
	GetObjectVersion           Action = "s3:GetObjectVersion"
	PutObject                  Action = "s3:PutObject"
	DeleteObject               Action = "s3:DeleteObject"
	DeleteObjectVersion        Action = "s3:DeleteObjectVersion"
	GetObjectAcl               Action = "s3:GetObjectAcl"
	GetObjectVersionAcl        Action = "s3:GetObjectVersionAcl"
	PutObjectAcl               Action = "s3:PutObjectAcl"
	PutObjectVersionAcl        Action = "s3:PutObjectVersionAcl"
	GetObjectTagging           Action = "s3:GetObjectTagging"
	GetObjectVersionTagging    Action = "s3:GetObjectVersionTagging"
	PutObjectTagging           Action = "s3:PutObjectTagging"
	PutObjectVersionTagging    Action = "s3:PutObjectVersionTagging"
	DeleteObjectTagging        Action = "s3:DeleteObjectTagging"
	DeleteObjectVersionTagging Action = "s3:DeleteObjectVersionTagging"
	AbortMultipartUpload       Action = "s3:AbortMultipartUpload"
	ListMultipartUploadParts   Action = "s3:ListMultipartUploadParts"
	AllActions                 Action = "s3:*"
)

// aclSource names the ACL consulted for an action.
type aclSource int

const (
	bucketACL aclSource = iota
	objectACL
)

// actionSpec describes how an action is authorized through ACLs.
type actionSpec struct {
	// perm is the ACL permission required. FULL_CONTROL means only owners
	// and full-control grantees.
	perm acl.Permission
	// source is the ACL the permission is checked against.
	source aclSource
	// object is true when the policy resource is bucket/key.
	object bool
}

var actions = map[Action]actionSpec{
	CreateBucket:               {acl.PermFullControl, bucketACL, false},
	DeleteBucket:               {acl.PermFullControl, bucketACL, false},
	ListBucket:                 {acl.PermRead, bucketACL, false},
	ListBucketVersions:         {acl.PermRead, bucketACL, false},
	ListBucketMultipartUploads: {acl.PermRead, bucketACL, false},
	GetBucketLocation:          {acl.PermFullControl, bucketACL, false},
	GetBucketAcl:               {acl.PermReadACP, bucketACL, false},
	PutBucketAcl:               {acl.PermWriteACP, bucketACL, false},
	GetBucketPolicy:            {acl.PermFullControl, bucketACL, false},
	PutBucketPolicy:            {acl.PermFullControl, bucketACL, false},
	DeleteBucketPolicy:         {acl.PermFullControl, bucketACL, false},
	GetBucketVersioning:        {acl.PermFullControl, bucketACL, false},
	PutBucketVersioning:        {acl.PermFullControl, bucketACL, false},
	GetLifecycleConfiguration:  {acl.PermFullControl, bucketACL, false},
	PutLifecycleConfiguration:  {acl.PermFullControl, bucketACL, false},
	GetBucketCORS:              {acl.PermFullControl, bucketACL, false},
	PutBucketCORS:              {acl.PermFullControl, bucketACL, false},
	GetBucketTagging:           {acl.PermFullControl, bucketACL, false},
	PutBucketTagging:           {acl.PermFullControl, bucketACL, false},
	GetObject:                  {acl.PermRead, objectACL, true},
	GetObjectVersion:           {acl.PermRead, objectACL, true},
	PutObject:                  {acl.PermWrite, bucketACL, true},
	DeleteObject:               {acl.PermWrite, bucketACL, true},
	DeleteObjectVersion:        {acl.PermWrite, bucketACL, true},
	GetObjectAcl:               {acl.PermReadACP, objectACL, true},
	GetObjectVersionAcl:        {acl.PermReadACP, objectACL, true},
	PutObjectAcl:               {acl.PermWriteACP, objectACL, true},
	PutObjectVersionAcl:        {acl.PermWriteACP, objectACL, true},
	GetObjectTagging:           {acl.PermRead, objectACL, true},
	GetObjectVersionTagging:    {acl.PermRead, objectACL, true},
	PutObjectTagging:           {acl.PermFullControl, objectACL, true},
	PutObjectVersionTagging:    {acl.PermFullControl, objectACL, true},
	DeleteObjectTagging:        {acl.PermFullControl, objectACL, true},
	DeleteObjectVersionTagging: {acl.PermFullControl, objectACL, true},
	AbortMultipartUpload:       {acl.PermWrite, bucketACL, true},
	ListMultipartUploadParts:   {acl.PermRead, bucketACL, true},
}

// IsObjectAction reports whether the action targets object resources.
func (a Action) IsObjectAction() bool {
	return actions[a].object
}

// Match reports whether a, used as a policy pattern, covers target. Action
// names are case-insensitive and may use * and ? wildcards.
func (a Action) Match(target Action) bool {
	return matchPattern(strings.ToLower(string(a)), strings.ToLower(string(target)))
}

// validAction reports whether a policy action names at least one known
// action.
func validAction(p Action) bool {
	if !strings.HasPrefix(strings.ToLower(string(p)), "s3:") {
		return false
	}
	for a := range actions {
		if p.Match(a) {
			return true
		}
	}
	return false
}

// matchPattern matches input against a pattern where * matches any run of
// characters and ? matches exactly one.
func matchPattern(pattern, input string) bool {
	p, s := 0, 0
	star, mark := -1, 0
	for s < len(input) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == input[s]):
			p++
			s++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = s
			p++
		case star != -1:
			p = star + 1
			mark++
			s = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
