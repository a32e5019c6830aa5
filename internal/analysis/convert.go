// Package analysis turns analysis service results into findings and keeps
// open documents linted.
package analysis

import (
	"sort"

	"specbridge/internal/apiclient"
	"specbridge/internal/diagnostics"
)

// DriftAnalyzer is reported separately from compliance analyzers.
const DriftAnalyzer = "drift"

// Summary counts findings per severity.
type Summary struct {
	Error   int `json:"error"`
	Warning int `json:"warning"`
	Info    int `json:"info"`
	Hint    int `json:"hint"`
}

func (s *Summary) add(sev diagnostics.Severity, n int) {
	switch sev {
	case diagnostics.SevError:
		s.Error += n
	case diagnostics.SevWarning:
		s.Warning += n
	case diagnostics.SevInfo:
		s.Info += n
	case diagnostics.SevHint:
		s.Hint += n
	}
}

// Total is the sum over every severity.
func (s Summary) Total() int { return s.Error + s.Warning + s.Info + s.Hint }

// Table is a flattened list of findings with their summary.
type Table struct {
	Summary Summary               `json:"summary"`
	List    []diagnostics.Finding `json:"list"`
}

// Report splits stored analyses into compliance and drift tables.
type Report struct {
	Compliance Table `json:"compliance"`
	Drift      Table `json:"drift"`
}

// NewReport builds the report of a spec's stored analyses.
func NewReport(results []apiclient.AnalyzerResult, meta []apiclient.Analyzer) Report {
	var compliance, drift []apiclient.AnalyzerResult
	for _, r := range results {
		if r.Analyzer == DriftAnalyzer {
			drift = append(drift, r)
		} else {
			compliance = append(compliance, r)
		}
	}
	return Report{
		Compliance: TableOf(compliance, meta),
		Drift:      TableOf(drift, meta),
	}
}

// TableOf flattens analyzer results, most severe first. Analyzer names are
// replaced by their titles when meta knows them. The summary comes from the
// service's own counts, not from the rules listed.
func TableOf(results []apiclient.AnalyzerResult, meta []apiclient.Analyzer) Table {
	titles := make(map[string]string, len(meta))
	for _, m := range meta {
		titles[m.NameID] = m.Title
	}
	t := Table{List: []diagnostics.Finding{}}
	for _, r := range results {
		analyzer := r.Analyzer
		if title, ok := titles[analyzer]; ok && title != "" {
			analyzer = title
		}
		for _, sev := range diagnostics.Severities {
			name := sev.String()
			if group := r.Result.Findings[name]; group != nil {
				keys := make([]string, 0, len(group.Rules))
				for k := range group.Rules {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					t.List = append(t.List, findingOf(k, analyzer, sev, group.Rules[k]))
				}
			}
			t.Summary.add(sev, r.Result.Summary.Stats[name].Count)
		}
	}
	return t
}

func findingOf(ruleKey, analyzer string, sev diagnostics.Severity, rule apiclient.Rule) diagnostics.Finding {
	f := diagnostics.Finding{
		RuleID:     ruleKey,
		Analyzer:   analyzer,
		Severity:   sev,
		Message:    rule.Message,
		Mitigation: rule.Mitigation,
	}
	for _, a := range rule.Data {
		if a.Range == nil {
			continue
		}
		f.Ranges = append(f.Ranges, diagnostics.Range{
			StartLine:   a.Range.Start.Line,
			StartColumn: a.Range.Start.Column,
			EndLine:     a.Range.End.Line,
			EndColumn:   a.Range.End.Column,
		})
	}
	return f
}
