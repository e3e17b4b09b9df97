// Package cors models bucket CORS configurations and evaluates preflight
// requests against them.
package cors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepcore/internal/errors"
)

const maxRules = 100

// headerName matches an HTTP field name token (RFC 7230 section 3.2).
var headerName = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// Configuration is a bucket's CORS configuration.
type Configuration struct {
	Rules []Rule `json:"rules"`
}

// Rule grants cross-origin access to the listed origins and methods.
type Rule struct {
	ID             string   `json:"id,omitempty"`
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers,omitempty"`
	ExposeHeaders  []string `json:"expose_headers,omitempty"`
	// MaxAgeSeconds is omitted from responses when zero.
	MaxAgeSeconds int `json:"max_age_seconds,omitempty"`
}

// Parse decodes a stored configuration.
func Parse(data []byte) (*Configuration, error) {
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding cors configuration: %w", err)
	}
	return &c, nil
}

// Marshal encodes c for storage.
func (c *Configuration) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Validate checks every rule of c.
func (c *Configuration) Validate() error {
	if c == nil || len(c.Rules) == 0 {
		return s3err.ErrMalformedXML.WithMessage("A CORS configuration must contain at least one rule")
	}
	if len(c.Rules) > maxRules {
		return s3err.ErrMalformedXML.WithMessage("A CORS configuration may contain at most %d rules", maxRules)
	}
	for i := range c.Rules {
		if err := c.Rules[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if len(r.AllowedOrigins) == 0 || len(r.AllowedMethods) == 0 {
		return s3err.ErrMalformedXML.WithMessage("A CORS rule must specify at least one AllowedOrigin and AllowedMethod")
	}
	if len(r.ID) > 255 {
		return s3err.ErrInvalidArgument.WithMessage("ID length should not exceed allowed limit of 255")
	}
	for _, m := range r.AllowedMethods {
		if !allowedMethods[m] {
			return s3err.ErrInvalidRequest.WithMessage("Found unsupported HTTP method in CORS config. Unsupported method is %s", m)
		}
	}
	for _, o := range r.AllowedOrigins {
		if strings.Count(o, "*") > 1 {
			return s3err.ErrInvalidRequest.WithMessage("AllowedOrigin %q can not have more than one wildcard.", o)
		}
	}
	for _, h := range r.AllowedHeaders {
		if strings.Count(h, "*") > 1 {
			return s3err.ErrInvalidRequest.WithMessage("AllowedHeader %q can not have more than one wildcard.", h)
		}
	}
	for _, h := range r.ExposeHeaders {
		if !headerName.MatchString(h) || strings.Contains(h, "*") {
			return s3err.ErrInvalidRequest.WithMessage("ExposeHeader %q contains wildcard. We currently do not support wildcard for ExposeHeader.", h)
		}
	}
	if r.MaxAgeSeconds < 0 {
		return s3err.ErrMalformedXML.WithMessage("MaxAgeSeconds must be nonnegative")
	}
	return nil
}

// ParseRequestHeaders splits an Access-Control-Request-Headers value.
func ParseRequestHeaders(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var out []string
	for _, h := range strings.Split(value, ",") {
		h = strings.TrimSpace(h)
		if !headerName.MatchString(h) {
			return nil, s3err.ErrInvalidRequest.WithMessage("Invalid Access-Control-Request-Headers: %q", h)
		}
		out = append(out, h)
	}
	return out, nil
}

// Match returns the first rule allowing origin to use method with the given
// request headers. Header names are compared case-insensitively.
func (c *Configuration) Match(origin, method string, requestHeaders []string) (*Rule, bool) {
	if origin == "" || method == "" {
		return nil, false
	}
	for i := range c.Rules {
		if c.Rules[i].matches(origin, method, requestHeaders) {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

func (r *Rule) matches(origin, method string, requestHeaders []string) bool {
	if r.originPattern(origin) == "" {
		return false
	}
	found := false
	for _, m := range r.AllowedMethods {
		if m == method {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, h := range requestHeaders {
		h = strings.ToLower(h)
		ok := false
		for _, allowed := range r.AllowedHeaders {
			if wildcardMatch(strings.ToLower(allowed), h) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// originPattern returns the allowed origin pattern matching origin, or "".
func (r *Rule) originPattern(origin string) string {
	for _, o := range r.AllowedOrigins {
		if wildcardMatch(o, origin) {
			return o
		}
	}
	return ""
}

// ResponseHeaders returns the Access-Control-* headers granting a preflight
// request from origin that asked for requestHeaders.
func (r *Rule) ResponseHeaders(origin string, requestHeaders []string) http.Header {
	h := http.Header{}
	if r.originPattern(origin) == "*" {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(r.AllowedMethods, ", "))
	if len(requestHeaders) > 0 {
		lower := make([]string, len(requestHeaders))
		for i, rh := range requestHeaders {
			lower[i] = strings.ToLower(rh)
		}
		h.Set("Access-Control-Allow-Headers", strings.Join(lower, ", "))
	}
	if len(r.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(r.ExposeHeaders, ", "))
	}
	if r.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(r.MaxAgeSeconds))
	}
	return h
}

// wildcardMatch reports whether input matches pattern, where '*' matches
// any run of characters.
func wildcardMatch(pattern, input string) bool {
	p, s := 0, 0
	star, mark := -1, 0
	for s < len(input) {
		switch {
		case p < len(pattern) && pattern[p] == input[s]:
			p++
			s++
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, s
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
