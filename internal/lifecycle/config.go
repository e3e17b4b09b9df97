// Package lifecycle models bucket lifecycle configurations and applies them
// with a background Sweeper.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/uid"
)

const (
	maxRules    = 1000
	maxIDLength = 255
)

// Status enables or disables a rule.
type Status string

const (
	StatusEnabled  Status = "Enabled"
	StatusDisabled Status = "Disabled"
)

// transitionClasses are the storage classes objects may transition to.
var transitionClasses = map[string]bool{
	"STANDARD_IA":         true,
	"ONEZONE_IA":          true,
	"INTELLIGENT_TIERING": true,
	"GLACIER":             true,
	"GLACIER_IR":          true,
	"DEEP_ARCHIVE":        true,
}

// Configuration is a bucket's lifecycle configuration.
type Configuration struct {
	Rules []Rule `json:"rules"`
}

// Rule is one lifecycle rule. A rule selects objects by its filter and
// carries one or more actions.
type Rule struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	// Prefix is the legacy top-level filter. It may not be combined with Filter.
	Prefix string  `json:"prefix,omitempty"`
	Filter *Filter `json:"filter,omitempty"`

	Expiration                     *Expiration                     `json:"expiration,omitempty"`
	Transitions                    []Transition                    `json:"transitions,omitempty"`
	NoncurrentVersionExpiration    *NoncurrentVersionExpiration    `json:"noncurrent_version_expiration,omitempty"`
	NoncurrentVersionTransitions   []NoncurrentVersionTransition   `json:"noncurrent_version_transitions,omitempty"`
	AbortIncompleteMultipartUpload *AbortIncompleteMultipartUpload `json:"abort_incomplete_multipart_upload,omitempty"`
}

// Filter selects objects by one of a key prefix, a single tag, or a
// conjunction.
type Filter struct {
	Prefix                string        `json:"prefix,omitempty"`
	Tag                   *metadata.Tag `json:"tag,omitempty"`
	ObjectSizeGreaterThan int64         `json:"object_size_greater_than,omitempty"`
	ObjectSizeLessThan    int64         `json:"object_size_less_than,omitempty"`
	And                   *AndFilter    `json:"and,omitempty"`
}

// AndFilter requires every condition to hold.
type AndFilter struct {
	Prefix                string         `json:"prefix,omitempty"`
	Tags                  []metadata.Tag `json:"tags,omitempty"`
	ObjectSizeGreaterThan int64          `json:"object_size_greater_than,omitempty"`
	ObjectSizeLessThan    int64          `json:"object_size_less_than,omitempty"`
}

// Expiration expires current versions after Days or on Date, or removes
// delete markers left without versions.
type Expiration struct {
	Days                      int    `json:"days,omitempty"`
	Date                      string `json:"date,omitempty"`
	ExpiredObjectDeleteMarker bool   `json:"expired_object_delete_marker,omitempty"`
}

// Transition moves current versions to another storage class.
type Transition struct {
	Days         int    `json:"days,omitempty"`
	Date         string `json:"date,omitempty"`
	StorageClass string `json:"storage_class"`
}

// NoncurrentVersionExpiration removes versions NoncurrentDays after they
// stopped being current, keeping the NewerNoncurrentVersions most recent.
type NoncurrentVersionExpiration struct {
	NoncurrentDays          int `json:"noncurrent_days"`
	NewerNoncurrentVersions int `json:"newer_noncurrent_versions,omitempty"`
}

// NoncurrentVersionTransition moves noncurrent versions to another storage
// class.
type NoncurrentVersionTransition struct {
	NoncurrentDays          int    `json:"noncurrent_days"`
	NewerNoncurrentVersions int    `json:"newer_noncurrent_versions,omitempty"`
	StorageClass            string `json:"storage_class"`
}

// AbortIncompleteMultipartUpload aborts uploads DaysAfterInitiation days old.
type AbortIncompleteMultipartUpload struct {
	DaysAfterInitiation int `json:"days_after_initiation"`
}

// Parse decodes a stored configuration.
func Parse(data []byte) (*Configuration, error) {
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding lifecycle configuration: %w", err)
	}
	return &c, nil
}

// Marshal encodes c for storage.
func (c *Configuration) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// ParseDate accepts a plain date or an RFC 3339 timestamp.
func ParseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid lifecycle date %q", value)
}

func malformed(format string, args ...any) error {
	return s3err.ErrMalformedXML.WithMessage(format, args...)
}

func invalidArgument(format string, args ...any) error {
	return s3err.ErrInvalidArgument.WithMessage(format, args...)
}

// Validate checks c and assigns ids to rules that have none.
func (c *Configuration) Validate() error {
	if len(c.Rules) == 0 {
		return malformed("A lifecycle configuration must contain at least one rule")
	}
	if len(c.Rules) > maxRules {
		return malformed("A lifecycle configuration may contain at most %d rules", maxRules)
	}

	seen := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == "" {
			r.ID = uid.New()
		}
		if len(r.ID) > maxIDLength {
			return invalidArgument("ID length should not exceed allowed limit of %d", maxIDLength)
		}
		if seen[r.ID] {
			return invalidArgument("Rule ID must be unique. Found same ID for more than one rule")
		}
		seen[r.ID] = true
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if r.Status != StatusEnabled && r.Status != StatusDisabled {
		return malformed("Rule status must be Enabled or Disabled")
	}
	if err := r.validateFilter(); err != nil {
		return err
	}
	if r.Expiration == nil && len(r.Transitions) == 0 && r.NoncurrentVersionExpiration == nil &&
		len(r.NoncurrentVersionTransitions) == 0 && r.AbortIncompleteMultipartUpload == nil {
		return malformed("At least one action needs to be specified in a rule")
	}

	if e := r.Expiration; e != nil {
		set := 0
		for _, ok := range []bool{e.Days != 0, e.Date != "", e.ExpiredObjectDeleteMarker} {
			if ok {
				set++
			}
		}
		switch {
		case set > 1:
			return malformed("Expiration must specify exactly one of Days, Date or ExpiredObjectDeleteMarker")
		case set == 0 || e.Days < 0:
			return invalidArgument("'Days' for Expiration action must be a positive integer")
		}
		if e.Date != "" {
			if _, err := ParseDate(e.Date); err != nil {
				return malformed("Expiration date is not valid")
			}
		}
		if e.ExpiredObjectDeleteMarker && r.hasTagFilter() {
			return invalidArgument("ExpiredObjectDeleteMarker cannot be specified with tags")
		}
	}

	for _, t := range r.Transitions {
		if t.Days != 0 && t.Date != "" {
			return malformed("Transition must specify either Days or Date")
		}
		if t.Days < 0 {
			return invalidArgument("'Days' for Transition action must be a nonnegative integer")
		}
		if t.Date != "" {
			if _, err := ParseDate(t.Date); err != nil {
				return malformed("Transition date is not valid")
			}
		}
		if err := checkStorageClass(t.StorageClass); err != nil {
			return err
		}
	}

	if nc := r.NoncurrentVersionExpiration; nc != nil {
		if nc.NoncurrentDays <= 0 {
			return invalidArgument("'NoncurrentDays' for NoncurrentVersionExpiration action must be a positive integer")
		}
		if nc.NewerNoncurrentVersions < 0 {
			return invalidArgument("'NewerNoncurrentVersions' must be a positive integer")
		}
	}
	for _, t := range r.NoncurrentVersionTransitions {
		if t.NoncurrentDays <= 0 {
			return invalidArgument("'NoncurrentDays' for NoncurrentVersionTransition action must be a positive integer")
		}
		if t.NewerNoncurrentVersions < 0 {
			return invalidArgument("'NewerNoncurrentVersions' must be a positive integer")
		}
		if err := checkStorageClass(t.StorageClass); err != nil {
			return err
		}
	}

	if a := r.AbortIncompleteMultipartUpload; a != nil {
		if a.DaysAfterInitiation <= 0 {
			return invalidArgument("'DaysAfterInitiation' for AbortIncompleteMultipartUpload action must be a positive integer")
		}
		if r.hasTagFilter() {
			return s3err.ErrInvalidRequest.WithMessage("Tag-based filter cannot be used with AbortIncompleteMultipartUpload action")
		}
	}
	return nil
}

func (r *Rule) validateFilter() error {
	if r.Filter == nil {
		return nil
	}
	if r.Prefix != "" {
		return malformed("Rule cannot specify both Prefix and Filter")
	}
	f := r.Filter
	set := 0
	for _, ok := range []bool{f.Prefix != "", f.Tag != nil, f.And != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return malformed("Filter must specify only one of Prefix, Tag or And")
	}
	if f.Tag != nil && f.Tag.Key == "" {
		return s3err.ErrInvalidTag.WithMessage("The TagKey you have provided is invalid")
	}
	if err := checkSizes(f.ObjectSizeGreaterThan, f.ObjectSizeLessThan); err != nil {
		return err
	}
	if f.And != nil {
		keys := make(map[string]bool, len(f.And.Tags))
		for _, t := range f.And.Tags {
			if t.Key == "" {
				return s3err.ErrInvalidTag.WithMessage("The TagKey you have provided is invalid")
			}
			if keys[t.Key] {
				return s3err.ErrInvalidTag.WithMessage("Duplicate Tag Keys are not allowed")
			}
			keys[t.Key] = true
		}
		if err := checkSizes(f.And.ObjectSizeGreaterThan, f.And.ObjectSizeLessThan); err != nil {
			return err
		}
	}
	return nil
}

func checkSizes(greater, less int64) error {
	if greater < 0 || less < 0 {
		return invalidArgument("Object size bounds must be nonnegative")
	}
	if greater > 0 && less > 0 && less <= greater {
		return invalidArgument("ObjectSizeLessThan must be greater than ObjectSizeGreaterThan")
	}
	return nil
}

func checkStorageClass(class string) error {
	if strings.TrimSpace(class) == "" {
		return malformed("Transition must specify a StorageClass")
	}
	if !transitionClasses[class] {
		return s3err.ErrInvalidStorageClass
	}
	return nil
}

func (r *Rule) hasTagFilter() bool {
	return r.Filter != nil && (r.Filter.Tag != nil || (r.Filter.And != nil && len(r.Filter.And.Tags) > 0))
}

func (r *Rule) enabled() bool {
	return r.Status == StatusEnabled
}

// Matches reports whether the rule's filter selects an object with the given
// key, size and tags.
func (r *Rule) Matches(key string, size int64, tags []metadata.Tag) bool {
	if !strings.HasPrefix(key, r.Prefix) {
		return false
	}
	f := r.Filter
	if f == nil {
		return true
	}
	if !strings.HasPrefix(key, f.Prefix) || !sizeMatches(size, f.ObjectSizeGreaterThan, f.ObjectSizeLessThan) {
		return false
	}
	if f.Tag != nil && !hasTag(tags, *f.Tag) {
		return false
	}
	if a := f.And; a != nil {
		if !strings.HasPrefix(key, a.Prefix) || !sizeMatches(size, a.ObjectSizeGreaterThan, a.ObjectSizeLessThan) {
			return false
		}
		for _, t := range a.Tags {
			if !hasTag(tags, t) {
				return false
			}
		}
	}
	return true
}

func sizeMatches(size, greater, less int64) bool {
	if greater > 0 && size <= greater {
		return false
	}
	if less > 0 && size >= less {
		return false
	}
	return true
}

func hasTag(tags []metadata.Tag, want metadata.Tag) bool {
	for _, t := range tags {
		if t.Key == want.Key {
			return t.Value == want.Value
		}
	}
	return false
}

// dueAt returns when an action measured in days from since (or fixed at
// date) becomes due.
func dueAt(days int, date string, since time.Time, day time.Duration) (time.Time, bool) {
	if date != "" {
		t, err := ParseDate(date)
		return t, err == nil
	}
	return since.Add(time.Duration(days) * day), true
}

// Expiry returns when the current version v expires under c, and the id of
// the rule that expires it first.
func (c *Configuration) Expiry(v *metadata.ObjectVersion, day time.Duration) (time.Time, string, bool) {
	var best time.Time
	ruleID := ""
	for i := range c.Rules {
		r := &c.Rules[i]
		e := r.Expiration
		if !r.enabled() || e == nil || e.ExpiredObjectDeleteMarker {
			continue
		}
		if !r.Matches(v.Key, v.Size, v.Tags) {
			continue
		}
		at, ok := dueAt(e.Days, e.Date, v.LastModified, day)
		if ok && (ruleID == "" || at.Before(best)) {
			best, ruleID = at, r.ID
		}
	}
	return best, ruleID, ruleID != ""
}
