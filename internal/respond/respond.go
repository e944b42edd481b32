// Package respond renders the uniform surface output: a leading state
// tag, a one-line summary, indented details, and optional trailing
// next-step and ask-user hints. Both surfaces emit this form; the
// command line additionally projects records as JSON or path listings
// for pipelines.
package respond

import (
	"errors"
	"fmt"
	"strings"

	"kissa/internal/errs"
)

// Tag is the response class. Every response belongs to exactly one.
type Tag string

const (
	TagScanComplete Tag = "scan_complete"
	TagListing      Tag = "listing"
	TagStatus       Tag = "status"
	TagDeps         Tag = "deps"
	TagRelated      Tag = "related"
	TagPlanReady    Tag = "plan_ready"
	TagPlanApplied  Tag = "plan_applied"
	TagMoved        Tag = "moved"
	TagExecuted     Tag = "executed"
	TagBlocked      Tag = "blocked"
	TagWarning      Tag = "warning"
	TagError        Tag = "error"
	TagBatch        Tag = "batch"
)

// Response is one surface-facing result.
type Response struct {
	Tag     Tag      `json:"tag"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
	Next    string   `json:"next,omitempty"`
	Ask     []string `json:"ask,omitempty"`

	// Records carries the structured projection of the same result for
	// --json consumers; Paths carries the path listing for --paths and
	// --paths0. Neither appears in the rendered text.
	Records any      `json:"records,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// New starts a response with a formatted summary line.
func New(tag Tag, format string, args ...any) *Response {
	return &Response{Tag: tag, Summary: fmt.Sprintf(format, args...)}
}

// Detailf appends one detail line.
func (r *Response) Detailf(format string, args ...any) *Response {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
	return r
}

// Nextf sets the next-step hint.
func (r *Response) Nextf(format string, args ...any) *Response {
	r.Next = fmt.Sprintf(format, args...)
	return r
}

// Askf appends an ask-user elicitation line.
func (r *Response) Askf(format string, args ...any) *Response {
	r.Ask = append(r.Ask, fmt.Sprintf(format, args...))
	return r
}

// Render produces the terse text form.
func (r *Response) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", r.Tag, r.Summary)
	for _, d := range r.Details {
		b.WriteString("\n  ")
		b.WriteString(d)
	}
	if r.Next != "" {
		b.WriteString("\n→ next: ")
		b.WriteString(r.Next)
	}
	for _, a := range r.Ask {
		b.WriteString("\n? ask user: ")
		b.WriteString(a)
	}
	return b.String()
}

// FromError maps an error to its response class: permission rejections
// are blocked, walk and probe timeouts are warnings, everything else is
// an error. Rejections that carry a required level hint at escalation.
func FromError(err error) *Response {
	kind := errs.KindOf(err)
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}

	switch kind {
	case errs.KindPermissionDenied:
		r := New(TagBlocked, "%s", msg)
		if e != nil {
			if rule, ok := e.Detail("rule").(string); ok && rule != "" {
				r.Detailf("rule: %s", rule)
			}
			if req, ok := e.Detail("required").(string); ok && req != "" {
				r.Nextf("raise the difficulty to %s or add a per-repo override", req)
			}
		}
		return r
	case errs.KindMountSkipped, errs.KindStatTimeout:
		return New(TagWarning, "%s", msg)
	default:
		r := New(TagError, "%s", msg)
		if kind != "" && kind != errs.KindInternal {
			r.Detailf("kind: %s", kind)
		}
		return r
	}
}

// batchDelimiter separates sub-results in a batch rendering.
const batchDelimiter = "---"

// Batch folds sub-results into one batch response. Each part renders in
// full, separated by a short delimiter.
func Batch(parts []*Response) *Response {
	r := New(TagBatch, "%d results", len(parts))
	for i, p := range parts {
		if i > 0 {
			r.Details = append(r.Details, batchDelimiter)
		}
		for _, line := range strings.Split(p.Render(), "\n") {
			r.Details = append(r.Details, strings.TrimPrefix(line, "  "))
		}
	}
	return r
}
