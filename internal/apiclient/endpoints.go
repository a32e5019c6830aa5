package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"specbridge/internal/specdoc"
)

// Analyzer describes an analysis the service can run.
type Analyzer struct {
	NameID      string `json:"name_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Service is a registered API service.
type Service struct {
	ID          string          `json:"id"`
	NameID      string          `json:"name_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
	Summary     *ServiceSummary `json:"summary,omitempty"`
}

// ServiceSummary is the latest revision of a service.
type ServiceSummary struct {
	Score     float64 `json:"score"`
	Revision  string  `json:"revision"`
	Version   string  `json:"version"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// Score is a score the service reports either as a number or as a string.
type Score string

func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Score(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Score(n.String())
	return nil
}

// Float returns the numeric score, or 0 when it is not a number.
func (s Score) Float() float64 {
	f, _ := strconv.ParseFloat(string(s), 64)
	return f
}

// Point is a 1-based line and 0-based column.
type Point struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is a range between two points.
type Span struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

// Affected locates a rule violation in the document.
type Affected struct {
	Type  string   `json:"type,omitempty"`
	Path  []string `json:"path,omitempty"`
	Range *Span    `json:"range,omitempty"`
}

// Rule is one violated rule with the places it was hit.
type Rule struct {
	Message    string     `json:"message"`
	Mitigation string     `json:"mitigation,omitempty"`
	Data       []Affected `json:"data,omitempty"`
}

// SeverityFindings groups the rules violated at one severity.
type SeverityFindings struct {
	Rules map[string]Rule `json:"rules"`
}

// SeverityStats counts violations at one severity.
type SeverityStats struct {
	Count int `json:"count"`
}

// AnalyzerResult is the outcome of one analyzer for one spec.
type AnalyzerResult struct {
	Analyzer string `json:"analyzer"`
	Result   struct {
		Summary struct {
			Stats map[string]SeverityStats `json:"stats"`
		} `json:"summary"`
		Findings map[string]*SeverityFindings `json:"findings"`
	} `json:"result"`
}

// AnalyzeResult is the reply to an on-demand analysis.
type AnalyzeResult struct {
	Results   map[string]AnalyzerResult `json:"results"`
	SpecScore Score                     `json:"spec_score"`
}

// Analyses lists the analyzer results in a stable order.
func (r *AnalyzeResult) Analyses() []AnalyzerResult {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]AnalyzerResult, 0, len(names))
	for _, name := range names {
		res := r.Results[name]
		if res.Analyzer == "" {
			res.Analyzer = name
		}
		out = append(out, res)
	}
	return out
}

// Analyzers lists the active analyzers. The security analyzer is not run
// from the editor.
func (c *Client) Analyzers(ctx context.Context) ([]Analyzer, error) {
	var all []Analyzer
	err := c.DoJSON(ctx, Request{Path: "/analyzers", Params: map[string]string{"status": "active"}}, &all)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.NameID != "security" {
			out = append(out, a)
		}
	}
	return out, nil
}

// AnalyzeParams selects what to analyze.
type AnalyzeParams struct {
	Doc       string
	ServiceID string
	SpecID    string
	Analyzers []string
}

// AnalyzeSpec runs the analyzers on a document. Concurrent calls for the same
// service and spec share one service call.
func (c *Client) AnalyzeSpec(ctx context.Context, p AnalyzeParams) (*AnalyzeResult, error) {
	key := p.ServiceID + p.SpecID
	return c.analyze.Do(ctx, key, func(ctx context.Context) (*AnalyzeResult, error) {
		body := map[string]any{
			"analyzers": p.Analyzers,
			"service":   map[string]string{"name_id": p.ServiceID},
			"spec":      map[string]string{"doc": p.Doc, "id": p.SpecID},
		}
		var res AnalyzeResult
		if err := c.DoJSON(ctx, Request{Method: http.MethodPost, Path: "/specs/analyses/analyze", Body: body}, &res); err != nil {
			return nil, err
		}
		return &res, nil
	})
}

// AnalyzeStats reports how many analyze calls ran and how many joined one.
func (c *Client) AnalyzeStats() (runs, joined uint64) { return c.analyze.Stats() }

// SpecAnalyses fetches the stored analyses of a spec revision.
func (c *Client) SpecAnalyses(ctx context.Context, serviceID, specID string) ([]AnalyzerResult, error) {
	var out []AnalyzerResult
	err := c.DoJSON(ctx, Request{
		Path:   "/services/" + url.PathEscape(serviceID) + "/specs/" + url.PathEscape(specID) + "/analyses",
		Params: map[string]string{"spec_id": specID, "result_version": "1", "withFindings": "true"},
	}, &out)
	return out, err
}

// Spec fetches a spec revision including its document.
func (c *Client) Spec(ctx context.Context, serviceID, specID string) (*specdoc.Spec, error) {
	var out specdoc.Spec
	err := c.DoJSON(ctx, Request{
		Path:   "/services/" + url.PathEscape(serviceID) + "/specs/" + url.PathEscape(specID),
		Params: map[string]string{"withDoc": "true"},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Services lists the registered services.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var out []Service
	err := c.DoJSON(ctx, Request{Path: "/services"}, &out)
	return out, err
}

// ServiceSpecs lists the revisions of a service.
func (c *Client) ServiceSpecs(ctx context.Context, serviceID string) ([]specdoc.Spec, error) {
	var out []specdoc.Spec
	err := c.DoJSON(ctx, Request{Path: "/services/" + url.PathEscape(serviceID) + "/specs"}, &out)
	return out, err
}

// SpecDiff compares two stored revisions of a service.
func (c *Client) SpecDiff(ctx context.Context, serviceID, newSpecID, oldSpecID string) (json.RawMessage, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/services/" + url.PathEscape(serviceID) + "/specs/diff",
		Body:   map[string]string{"new_spec_id": newSpecID, "old_spec_id": oldSpecID},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DocDiff compares two documents that need not be stored.
func (c *Client) DocDiff(ctx context.Context, newDoc, oldDoc string) (json.RawMessage, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/specs/diffs/diff",
		Body:   map[string]string{"new_spec_doc": newDoc, "old_spec_doc": oldDoc},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UploadSpec stores doc as a new revision of a service.
func (c *Client) UploadSpec(ctx context.Context, serviceID, revision, doc string) (*specdoc.Spec, error) {
	var out specdoc.Spec
	err := c.DoJSON(ctx, Request{
		Method: http.MethodPost,
		Path:   "/services/" + url.PathEscape(serviceID) + "/specs",
		Body:   map[string]string{"doc": doc, "revision": revision, "service_id": serviceID},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks the endpoint is reachable with the current credentials,
// bypassing every cache.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Path: "/services", NoCache: true})
	return err
}
