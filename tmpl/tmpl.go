// Package tmpl implements the TemplateRenderer (C2): a single left-to-right
// scanner over "{{ selector }}" templates rendered against a VariablePool.
//
// No available library implements this exact grammar (escaped braces, bare
// selector interpolation, no control flow), so the scanner is hand-written.
package tmpl

import (
	"context"
	"fmt"
	"strings"

	"github.com/kasmira-labs/chatflow/pool"
)

// Reason enumerates why rendering or parsing failed.
type Reason string

// The reasons a RenderError can carry, per §4.2.
const (
	ReasonUnterminated       Reason = "unterminated"
	ReasonInvalidSelector    Reason = "invalid_selector"
	ReasonUnresolvedSelector Reason = "unresolved_selector"
)

// RenderError reports why rendering a template failed.
type RenderError struct {
	Reason   Reason
	Position int
	Selector string
}

func (e *RenderError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("template render failed at %d: %s (%q)", e.Position, e.Reason, e.Selector)
	}
	return fmt.Sprintf("template render failed at %d: %s", e.Position, e.Reason)
}

// segmentKind discriminates the two kinds of segment a template compiles to.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segSelector
)

type segment struct {
	kind     segmentKind
	literal  string
	selector string
	pos      int
}

// Template is a parsed sequence of literal and selector segments.
type Template struct {
	raw      string
	segments []segment
}

// Parse scans template into literal/selector segments. Escaped braces
// (`\{\{`, `\}\}`) become literal "{{"/"}}" text. Fails with
// ReasonUnterminated if a "{{" is never closed.
func Parse(template string) (*Template, error) {
	t := &Template{raw: template}
	var lit strings.Builder
	i := 0
	n := len(template)

	flushLiteral := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{kind: segLiteral, literal: lit.String()})
			lit.Reset()
		}
	}

	for i < n {
		switch {
		case strings.HasPrefix(template[i:], `\{\{`):
			lit.WriteString("{{")
			i += 4
		case strings.HasPrefix(template[i:], `\}\}`):
			lit.WriteString("}}")
			i += 4
		case strings.HasPrefix(template[i:], "{{"):
			close := strings.Index(template[i:], "}}")
			if close < 0 {
				return nil, &RenderError{Reason: ReasonUnterminated, Position: i}
			}
			inner := template[i+2 : i+close]
			selector := strings.TrimSpace(inner)
			if selector == "" {
				return nil, &RenderError{Reason: ReasonInvalidSelector, Position: i}
			}
			flushLiteral()
			t.segments = append(t.segments, segment{kind: segSelector, selector: selector, pos: i})
			i += close + 2
		default:
			lit.WriteByte(template[i])
			i++
		}
	}
	flushLiteral()
	return t, nil
}

// Selectors returns the set of selectors referenced by the template, in
// first-occurrence order, without rendering. Used by the validator to check
// template variable coverage (§4.5 pass 7).
func (t *Template) Selectors() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.segments {
		if s.kind == segSelector && !seen[s.selector] {
			seen[s.selector] = true
			out = append(out, s.selector)
		}
	}
	return out
}

// Resolver resolves a selector against a VariablePool-like source.
type Resolver interface {
	Resolve(ctx context.Context, selector string) (pool.Value, bool)
}

// Render resolves every selector segment against src and concatenates the
// result with literal segments, coercing each resolved value to a string per
// §4.2's type-aware formatting. An unresolved selector is treated as Null
// (renders to empty string) per REDESIGN FLAGS item 4 in spec.md §9 — the
// spec explicitly directs new implementations away from the source's
// historical error-on-skip behavior.
func (t *Template) Render(ctx context.Context, src Resolver) (string, error) {
	var out strings.Builder
	for _, s := range t.segments {
		switch s.kind {
		case segLiteral:
			out.WriteString(s.literal)
		case segSelector:
			v, _ := src.Resolve(ctx, s.selector)
			out.WriteString(v.String())
		}
	}
	return out.String(), nil
}

// Render is a convenience wrapper that parses template and renders it
// against src in one call.
func Render(ctx context.Context, template string, src Resolver) (string, error) {
	t, err := Parse(template)
	if err != nil {
		return "", err
	}
	return t.Render(ctx, src)
}

// ParseSelectors parses template and returns its referenced selectors
// without rendering, per §4.2's parse_template.
func ParseSelectors(template string) ([]string, error) {
	t, err := Parse(template)
	if err != nil {
		return nil, err
	}
	return t.Selectors(), nil
}

// IsSingleSelector reports whether template is exactly one bare selector
// interpolation with no surrounding literal text (e.g. "{{ llm-1.response
// }}"), and returns that selector. The Answer node handler uses this to
// decide whether it can pass through a streaming node's tokens directly
// (§4.4.3).
func (t *Template) IsSingleSelector() (string, bool) {
	if len(t.segments) != 1 || t.segments[0].kind != segSelector {
		return "", false
	}
	return t.segments[0].selector, true
}
