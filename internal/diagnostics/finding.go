package diagnostics

import (
	"fmt"
	"slices"
	"strings"

	"fortio.org/safecast"
)

// Severity of a finding. Values match the editor protocol's numbering.
type Severity uint8

const (
	SevError Severity = iota + 1
	SevWarning
	SevInfo
	SevHint
)

// Severities lists every level, most severe first.
var Severities = []Severity{SevError, SevWarning, SevInfo, SevHint}

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	case SevInfo:
		return "info"
	case SevHint:
		return "hint"
	default:
		return "unknown"
	}
}

// ParseSeverity maps the analysis service's severity names.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "error":
		return SevError, nil
	case "warning":
		return SevWarning, nil
	case "info", "information":
		return SevInfo, nil
	case "hint":
		return SevHint, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Range is an affected span: 1-based lines, 0-based columns.
type Range struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// ZeroWidth reports whether the range marks a single point.
func (r Range) ZeroWidth() bool {
	return r.StartColumn == r.EndColumn && (r.EndLine == r.StartLine || r.EndLine == 0)
}

// Finding is one rule violation reported for a document.
type Finding struct {
	RuleID     string   `json:"ruleId"`
	Analyzer   string   `json:"analyzer,omitempty"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Mitigation string   `json:"mitigation,omitempty"`
	Ranges     []Range  `json:"ranges"`
}

// FirstLine is the earliest start line among the ranges, or 0 without ranges.
func (f Finding) FirstLine() int {
	first := 0
	for i, r := range f.Ranges {
		if i == 0 || r.StartLine < first {
			first = r.StartLine
		}
	}
	return first
}

// Record is the cached outcome of one analysis.
type Record struct {
	Score    string    `json:"score"`
	Findings []Finding `json:"findings"`
}

func (r Record) clone() Record {
	out := Record{Score: r.Score, Findings: make([]Finding, len(r.Findings))}
	for i, f := range r.Findings {
		f.Ranges = slices.Clone(f.Ranges)
		out.Findings[i] = f
	}
	return out
}

// SortFindings returns a copy of findings ordered by first affected line.
// Equal lines keep their input order.
func SortFindings(findings []Finding) []Finding {
	out := slices.Clone(findings)
	slices.SortStableFunc(out, func(a, b Finding) int {
		return a.FirstLine() - b.FirstLine()
	})
	return out
}

// Position is a 0-based editor position.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// EditorRange is a 0-based editor range.
type EditorRange struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Annotation is a diagnostic as handed to the editor.
type Annotation struct {
	Range    EditorRange `json:"range"`
	Severity Severity    `json:"severity"`
	Code     string      `json:"code"`
	Source   string      `json:"source"`
	Message  string      `json:"message"`
}

// Source labels annotations produced by this store.
const Source = "specbridge"

const maxUint32 = ^uint32(0)

func safeUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	v, err := safecast.Conv[uint32](n)
	if err != nil {
		return maxUint32
	}
	return v
}

// Annotations converts findings into editor diagnostics, one per range,
// ordered by start line.
func Annotations(findings []Finding) []Annotation {
	var out []Annotation
	for _, f := range findings {
		msg := strings.ReplaceAll(f.Message, "\n", "")
		if msg == "" {
			msg = strings.ReplaceAll(f.Mitigation, "\n", "")
		}
		for _, r := range f.Ranges {
			startLine := r.StartLine
			if startLine == 0 {
				startLine = 1
			}
			endLine := r.EndLine
			if endLine == 0 {
				endLine = startLine
			}
			out = append(out, Annotation{
				Range: EditorRange{
					Start: Position{Line: safeUint32(startLine - 1), Character: safeUint32(r.StartColumn)},
					End:   Position{Line: safeUint32(endLine - 1), Character: safeUint32(r.EndColumn)},
				},
				Severity: f.Severity,
				Code:     Source + " - " + f.RuleID,
				Source:   Source,
				Message:  msg,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b Annotation) int {
		switch {
		case a.Range.Start.Line < b.Range.Start.Line:
			return -1
		case a.Range.Start.Line > b.Range.Start.Line:
			return 1
		}
		return 0
	})
	return out
}
