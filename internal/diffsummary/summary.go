// Package diffsummary builds the aggregation sources behind the diff view: the
// change list between two specs and the analysis summary of each side.
package diffsummary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"specbridge/internal/aggregate"
	"specbridge/internal/analysis"
	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
	"specbridge/internal/specdoc"
)

// Key is the aggregation key of the diff view. There is one view, so every
// request supersedes the previous one.
const Key = "diff-summary"

// View-model fields.
const (
	FieldNewSpec     = "newSpec"
	FieldOldSpec     = "oldSpec"
	FieldDiff        = "diffSummary"
	FieldNewSummary  = "newSpecAnalyseSummary"
	FieldOldSummary  = "oldSpecAnalyseSummary"
	FieldChangeType  = "changeType"
	sourceSpecDiff   = "spec-diff"
	sourceDocDiff    = "doc-diff"
	sourceNewSummary = "new-analysis"
	sourceOldSummary = "old-analysis"
)

// ErrUnsupportedPair is returned for a stored new spec compared against a
// local old document.
var ErrUnsupportedPair = errors.New("a stored spec cannot be compared against a local document")

// Service is the part of the analysis service the sources call.
type Service interface {
	Analyzers(ctx context.Context) ([]apiclient.Analyzer, error)
	AnalyzeSpec(ctx context.Context, p apiclient.AnalyzeParams) (*apiclient.AnalyzeResult, error)
	SpecAnalyses(ctx context.Context, serviceID, specID string) ([]apiclient.AnalyzerResult, error)
	Spec(ctx context.Context, serviceID, specID string) (*specdoc.Spec, error)
	SpecDiff(ctx context.Context, serviceID, newSpecID, oldSpecID string) (json.RawMessage, error)
	DocDiff(ctx context.Context, newDoc, oldDoc string) (json.RawMessage, error)
}

// Documents reads the text of local documents.
type Documents interface {
	ReadDocument(ctx context.Context, uri string) ([]byte, error)
}

// FileDocuments reads file URIs from disk.
type FileDocuments struct{}

func (FileDocuments) ReadDocument(_ context.Context, uri string) ([]byte, error) {
	path, err := filePath(uri)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func filePath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" && u.Scheme != specdoc.SchemeFile {
		return "", fmt.Errorf("%s is not a local file", uri)
	}
	return u.Path, nil
}

// Builder turns a diff request into aggregation sources.
type Builder struct {
	svc  Service
	docs Documents

	now     func() time.Time
	modTime func(uri string) (time.Time, bool)
}

// NewBuilder returns a Builder. A nil docs reads local files from disk.
func NewBuilder(svc Service, docs Documents) *Builder {
	if docs == nil {
		docs = FileDocuments{}
	}
	return &Builder{svc: svc, docs: docs, now: time.Now, modTime: fileModTime}
}

func fileModTime(uri string) (time.Time, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != specdoc.SchemeFile {
		return time.Time{}, false
	}
	info, err := os.Stat(u.Path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Baseline is the empty view model a save snapshot starts from.
func Baseline() aggregate.Fields {
	return aggregate.Fields{
		FieldNewSpec:    nil,
		FieldOldSpec:    nil,
		FieldDiff:       nil,
		FieldOldSummary: nil,
		FieldNewSummary: nil,
	}
}

// Plan returns the session options and sources for p.
//
// A save keeps the old side as shown: oldSpec and its summary are reported
// as false and not fetched again.
func (b *Builder) Plan(p bridge.DiffSummaryParams) (aggregate.StartOptions, []aggregate.Source, error) {
	if p.ChangeType == "" {
		p.ChangeType = bridge.ChangeOpen
	}
	newSpec, oldSpec := p.NewSpec, p.OldSpec
	if !newSpec.IsLocal() && oldSpec.IsLocal() {
		return aggregate.StartOptions{}, nil, ErrUnsupportedPair
	}
	if newSpec.IsLocal() && newSpec.URI == "" || oldSpec.IsLocal() && oldSpec.URI == "" {
		return aggregate.StartOptions{}, nil, errors.New("diff summary needs both specs")
	}

	save := p.ChangeType == bridge.ChangeSave
	opts := aggregate.StartOptions{
		Class:   aggregate.ClassOpen,
		Initial: aggregate.Fields{FieldChangeType: p.ChangeType},
	}
	if save {
		opts.Class = aggregate.ClassSave
		opts.Baseline = Baseline()
		opts.Initial[FieldOldSpec] = false
		opts.Initial[FieldOldSummary] = false
	}

	var sources []aggregate.Source
	if !newSpec.IsLocal() {
		opts.Initial[FieldNewSpec] = newSpec.Spec
		if !save {
			opts.Initial[FieldOldSpec] = oldSpec.Spec
		}
		sources = append(sources,
			b.specDiff(newSpec.Spec, oldSpec.Spec),
			b.storedSummary(sourceNewSummary, FieldNewSummary, newSpec.Spec, false))
	} else {
		sources = append(sources, b.localSummary(newSpec.URI), b.docDiff(newSpec, oldSpec))
		if !oldSpec.IsLocal() && !save {
			opts.Initial[FieldOldSpec] = oldSpec.Spec
		}
	}
	if !oldSpec.IsLocal() && !save {
		sources = append(sources, b.storedSummary(sourceOldSummary, FieldOldSummary, oldSpec.Spec, newSpec.IsLocal()))
	}
	return opts, sources, nil
}

func (b *Builder) specDiff(newSpec, oldSpec *specdoc.Spec) aggregate.Source {
	return aggregate.Source{
		Name:   sourceSpecDiff,
		Fields: []string{FieldDiff},
		Run: func(ctx context.Context) (aggregate.Fields, error) {
			diff, err := b.svc.SpecDiff(ctx, newSpec.ServiceID, newSpec.ID, oldSpec.ID)
			if err != nil {
				return nil, err
			}
			return aggregate.Fields{FieldDiff: diff}, nil
		},
	}
}

// storedSummary reports the compliance summary of a stored revision. With
// withSpec the old spec itself is reported alongside.
func (b *Builder) storedSummary(name, field string, spec *specdoc.Spec, withSpec bool) aggregate.Source {
	fields := []string{field}
	if withSpec {
		fields = append(fields, FieldOldSpec)
	}
	return aggregate.Source{
		Name:   name,
		Fields: fields,
		Run: func(ctx context.Context) (aggregate.Fields, error) {
			meta, err := b.svc.Analyzers(ctx)
			if err != nil {
				return nil, err
			}
			results, err := b.svc.SpecAnalyses(ctx, spec.ServiceID, spec.ID)
			if err != nil {
				return nil, err
			}
			out := aggregate.Fields{field: analysis.NewReport(results, meta).Compliance.Summary}
			if withSpec {
				out[FieldOldSpec] = spec
			}
			return out, nil
		},
	}
}

// localSummary analyses a local document on demand and reports it as the
// new spec.
func (b *Builder) localSummary(uri string) aggregate.Source {
	return aggregate.Source{
		Name:   sourceNewSummary,
		Fields: []string{FieldNewSpec, FieldNewSummary},
		Run: func(ctx context.Context) (aggregate.Fields, error) {
			doc, err := b.docs.ReadDocument(ctx, uri)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", uri, err)
			}
			meta, err := b.svc.Analyzers(ctx)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(meta))
			for _, m := range meta {
				names = append(names, m.NameID)
			}
			serviceID, specID := analysis.AnalyzeTarget(uri)
			res, err := b.svc.AnalyzeSpec(ctx, apiclient.AnalyzeParams{
				Doc:       string(doc),
				ServiceID: serviceID,
				SpecID:    specID,
				Analyzers: names,
			})
			if err != nil {
				return nil, err
			}
			updated, ok := b.modTime(uri)
			if !ok {
				updated = b.now()
			}
			local := specdoc.Local{
				Title:     specdoc.BaseName(uri),
				Score:     res.SpecScore.Float(),
				UpdatedAt: updated.UTC().Format(time.RFC3339),
				Path:      localPath(uri),
			}
			return aggregate.Fields{
				FieldNewSpec:    local,
				FieldNewSummary: analysis.TableOf(res.Analyses(), meta).Summary,
			}, nil
		},
	}
}

func localPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		return u.Path
	}
	return uri
}

// docDiff compares a local document against either a stored revision or
// another local document.
func (b *Builder) docDiff(newSpec, oldSpec bridge.SpecRef) aggregate.Source {
	return aggregate.Source{
		Name:   sourceDocDiff,
		Fields: []string{FieldDiff},
		Run: func(ctx context.Context) (aggregate.Fields, error) {
			newDoc, err := b.docs.ReadDocument(ctx, newSpec.URI)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", newSpec.URI, err)
			}
			oldDoc, err := b.oldDocument(ctx, oldSpec)
			if err != nil {
				return nil, err
			}
			diff, err := b.svc.DocDiff(ctx, string(newDoc), oldDoc)
			if err != nil {
				return nil, err
			}
			return aggregate.Fields{FieldDiff: diff}, nil
		},
	}
}

func (b *Builder) oldDocument(ctx context.Context, ref bridge.SpecRef) (string, error) {
	if ref.IsLocal() {
		doc, err := b.docs.ReadDocument(ctx, ref.URI)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", ref.URI, err)
		}
		return string(doc), nil
	}
	if ref.Spec.Doc != "" {
		return ref.Spec.Doc, nil
	}
	spec, err := b.svc.Spec(ctx, ref.Spec.ServiceID, ref.Spec.ID)
	if err != nil {
		return "", err
	}
	return spec.Doc, nil
}
