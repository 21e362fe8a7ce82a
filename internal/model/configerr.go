package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a single configuration problem in a form suitable for logs.
type CueErrorDetail struct {
	Path    string // helpers.0.restart.policy
	Code    string // unknown_field | missing_required | invalid_format | invalid_enum | conflicting_values | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

const (
	durationHint = "must be a duration like 90s, 1m30s or 1d (units d, h, m, s)"
	nameHint     = "must start with a letter or digit followed by letters, digits, '_', '.' or '-'"
	urlHint      = "must be an http:// or https:// URL with a host"
)

// formatHints maps fields constrained by #Duration, #Name and #URL to the
// format they expect.
var formatHints = map[string]string{
	"grace":            durationHint,
	"backoff":          durationHint,
	"timeout":          durationHint,
	"shutdown_timeout": durationHint,
	"name":             nameHint,
	"url":              urlHint,
	"webhook":          urlHint,
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reIncomplete = regexp.MustCompile(`(?i)incomplete value|required`)
	reOutOfBound = regexp.MustCompile(`(?i)out of bound|does not match`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|mismatched types|cannot unify|empty disjunction`)
)

// CueErrDetails turns an error returned by LoadConfig into one detail per
// offending field. Errors which do not come from CUE are returned as a single
// validation_error.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		format, _ := e.Msg()
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(format, path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     e.Error(),
		})
	}

	if len(out) == 0 {
		out = append(out, CueErrorDetail{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		})
	}
	return out
}

func classify(format, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(format):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", field)
	case reIncomplete.MatchString(format):
		return "missing_required", fmt.Sprintf("Field %s is required", field)
	}

	if field == "policy" {
		return "invalid_enum", fmt.Sprintf("Field %s %s", field, policyHint())
	}
	if hint, ok := formatHints[field]; ok {
		return "invalid_format", fmt.Sprintf("Field %s %s", field, hint)
	}

	switch {
	case reOutOfBound.MatchString(format):
		return "invalid_format", fmt.Sprintf("Field %s has invalid value", field)
	case reConflict.MatchString(format):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", field)
	default:
		return "validation_error", fmt.Sprintf("Field %s is invalid", field)
	}
}

// policyHint lists the values of the #Restart.policy disjunction.
func policyHint() string {
	v := root.LookupPath(cue.ParsePath("#Restart.policy"))
	var values []string
	if op, args := v.Expr(); op == cue.OrOp {
		for _, a := range args {
			s, err := a.String()
			if err == nil && !slices.Contains(values, s) {
				values = append(values, s)
			}
		}
	}
	hint := "must be one of " + strings.Join(values, ", ")
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			hint += " (default " + s + ")"
		}
	}
	return hint
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
