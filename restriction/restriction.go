// Package restriction evaluates admission policy (size/count/type) for
// files being added to a session, and the minimum-file-count policy
// enforced at upload time.
//
// Pattern matching for allowed file types is hand-rolled string matching —
// the same "match a string against a small configured pattern set, fail
// with a typed error" shape as client/mode.go's glob-permission check
// (isGlobUploadPermitted), generalized from filepath.Match globs to
// MIME-wildcard/extension patterns.
package restriction

import (
	"fmt"
	"strings"
)

// Policy is the configured admission policy.
type Policy struct {
	MaxFileSize      int64 // 0 = unlimited
	MaxNumberOfFiles int   // 0 = unlimited
	MinNumberOfFiles int   // 0 = no minimum
	AllowedFileTypes []string
}

// Error is a typed admission failure. Key names an i18n translation key for
// the message and Params its interpolation values; Message is the English
// rendering used whenever no translator resolves Key (including when Key is
// empty).
type Error struct {
	Key     string
	Params  map[string]any
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsRestriction marks Error as a restriction failure, distinguishing it
// from transport/pipeline errors per the error taxonomy.
func (e *Error) IsRestriction() bool { return true }

func newError(key string, params map[string]any, format string, args ...any) *Error {
	return &Error{Key: key, Params: params, Message: fmt.Sprintf(format, args...)}
}

// CandidateFile is the subset of a file record the evaluator needs.
type CandidateFile struct {
	Name string
	Type string
	Size *int64
}

// Evaluator checks candidate files against a Policy.
type Evaluator struct {
	policy Policy
}

// New constructs an Evaluator for policy.
func New(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// CheckFile validates one candidate against size/type policy. currentCount
// is the number of files already admitted to the session (before this one).
func (e *Evaluator) CheckFile(f CandidateFile, currentCount int) error {
	if e.policy.MaxNumberOfFiles > 0 && currentCount+1 > e.policy.MaxNumberOfFiles {
		return newError("restriction.maxNumberOfFiles",
			map[string]any{"maxNumberOfFiles": e.policy.MaxNumberOfFiles},
			"You can only upload %d file(s)", e.policy.MaxNumberOfFiles)
	}

	if e.policy.MaxFileSize > 0 && f.Size != nil && *f.Size > e.policy.MaxFileSize {
		return newError("restriction.maxFileSize",
			map[string]any{"maxFileSize": e.policy.MaxFileSize},
			"This file exceeds maximum allowed size of %d bytes", e.policy.MaxFileSize)
	}

	if len(e.policy.AllowedFileTypes) > 0 && !matchesAny(e.policy.AllowedFileTypes, f) {
		types := strings.Join(e.policy.AllowedFileTypes, ", ")
		return newError("restriction.allowedFileTypes",
			map[string]any{"types": types}, "You can only upload: %s", types)
	}

	return nil
}

// CheckMinCount enforces MinNumberOfFiles, called at upload() entry rather
// than on every add.
func (e *Evaluator) CheckMinCount(count int) error {
	if e.policy.MinNumberOfFiles > 0 && count < e.policy.MinNumberOfFiles {
		return newError("restriction.minNumberOfFiles",
			map[string]any{"minNumberOfFiles": e.policy.MinNumberOfFiles},
			"You have to select at least %d file(s)", e.policy.MinNumberOfFiles)
	}
	return nil
}

func matchesAny(patterns []string, f CandidateFile) bool {
	for _, p := range patterns {
		if matchesPattern(p, f) {
			return true
		}
	}
	return false
}

func matchesPattern(pattern string, f CandidateFile) bool {
	if strings.HasPrefix(pattern, ".") {
		ext := pattern[1:]
		name := strings.ToLower(f.Name)
		return strings.HasSuffix(name, "."+strings.ToLower(ext))
	}
	return matchesMIME(pattern, f.Type)
}

// matchesMIME compares a MIME pattern like "image/*", "text/plain", or
// "application/*+json" against an actual MIME type, splitting both sides on
// "/", "+", and "." and allowing "*" to match any single segment-run.
func matchesMIME(pattern, actual string) bool {
	if actual == "" {
		return false
	}
	pSegs := splitMIME(pattern)
	aSegs := splitMIME(actual)

	return matchSegments(pSegs, aSegs)
}

func splitMIME(s string) []string {
	s = strings.ToLower(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '+' || r == '.'
	})
}

func matchSegments(pattern, actual []string) bool {
	if len(pattern) != len(actual) {
		// A "*" segment may stand for a run of several actual segments
		// ("application/*+json" has 3 pattern segments — "application",
		// "*", "json" — matched against "application/vnd.api+json", which
		// splits into 4); fall back to matching the first segment plus the
		// pattern's remaining segments against the tail of actual.
		return matchWildcardSuffix(pattern, actual)
	}
	for i := range pattern {
		if pattern[i] == "*" {
			continue
		}
		if pattern[i] != actual[i] {
			return false
		}
	}
	return true
}

func matchWildcardSuffix(pattern, actual []string) bool {
	if len(pattern) == 0 || len(actual) == 0 {
		return false
	}
	// type segment (first) must match or be wildcard.
	if pattern[0] != "*" && (len(actual) == 0 || pattern[0] != actual[0]) {
		return false
	}
	// remaining pattern segments must match the tail of actual, in order.
	pTail := pattern[1:]
	if len(pTail) == 0 {
		return true
	}
	if len(pTail) > len(actual)-1 {
		return false
	}
	aTail := actual[len(actual)-len(pTail):]
	for i := range pTail {
		if pTail[i] == "*" {
			continue
		}
		if pTail[i] != aTail[i] {
			return false
		}
	}
	return true
}
