package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"specbridge/internal/apiclient"
	"specbridge/internal/diagnostics"
	"specbridge/internal/specdoc"
	"specbridge/internal/trace"
)

// DefaultDebounce delays analysis after the last change to a document.
const DefaultDebounce = 2 * time.Second

// CheckingStatus is shown while an analysis runs.
const CheckingStatus = "$(sync~spin) Checking ..."

// Service is the part of the analysis service the linter calls.
type Service interface {
	Analyzers(ctx context.Context) ([]apiclient.Analyzer, error)
	AnalyzeSpec(ctx context.Context, p apiclient.AnalyzeParams) (*apiclient.AnalyzeResult, error)
}

// Notifier shows messages to the user. checkSettings offers a way to the
// settings surface next to the message.
type Notifier interface {
	Info(msg string)
	Error(msg string, checkSettings bool)
}

type nopNotifier struct{}

func (nopNotifier) Info(string)        {}
func (nopNotifier) Error(string, bool) {}

// Scene is what triggered a lint.
type Scene uint8

const (
	SceneStartup Scene = iota
	SceneFocus
	SceneSave
)

func (s Scene) String() string {
	switch s {
	case SceneFocus:
		return "focus"
	case SceneSave:
		return "save"
	default:
		return "startup"
	}
}

// Document is an open editor document.
type Document struct {
	URI        string
	Text       string
	LanguageID string
}

// IsCandidate reports whether doc should be linted: a remote spec, or a
// JSON/YAML document that declares swagger or openapi.
func IsCandidate(doc Document) bool {
	if specdoc.IsRemoteURI(doc.URI) {
		return true
	}
	if doc.LanguageID != "json" && doc.LanguageID != "yaml" {
		return false
	}
	return specdoc.IsSpec([]byte(doc.Text))
}

// Options configures a Linter.
type Options struct {
	Service  Service
	Store    *diagnostics.Store
	Status   diagnostics.StatusSink
	Notifier Notifier
	// Local reports whether no endpoint is configured. Local documents are
	// then left without remote findings.
	Local    func() bool
	Debounce time.Duration
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Linter analyses documents through the service and feeds the diagnostic
// store. A newer request for analysis supersedes any pending or running one.
type Linter struct {
	svc      Service
	store    *diagnostics.Store
	status   diagnostics.StatusSink
	notify   Notifier
	local    func() bool
	debounce time.Duration
	log      *zap.Logger
	tracer   trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	closed  bool
	running sync.WaitGroup
}

func NewLinter(opts Options) *Linter {
	if opts.Store == nil {
		opts.Store = diagnostics.NewStore(diagnostics.Options{})
	}
	if opts.Status == nil {
		opts.Status = diagnostics.StatusFunc(func(string, string) {})
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Local == nil {
		opts.Local = func() bool { return false }
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Linter{
		svc:        opts.Service,
		store:      opts.Store,
		status:     opts.Status,
		notify:     opts.Notifier,
		local:      opts.Local,
		debounce:   opts.Debounce,
		log:        opts.Logger,
		tracer:     opts.Tracer,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Update schedules an analysis of doc. In local mode the document's remote
// findings are cleared instead.
func (l *Linter) Update(doc Document, scene Scene) {
	if !IsCandidate(doc) {
		return
	}
	id, err := diagnostics.Parse(doc.URI)
	if err != nil {
		l.log.Debug("skipping document", zap.String("uri", doc.URI), zap.Error(err))
		return
	}
	if l.local() || l.svc == nil {
		l.store.Invalidate(id)
		return
	}
	l.schedule(doc, id, scene)
}

// Open shows the cached findings of doc if there are any, and otherwise
// schedules an analysis.
func (l *Linter) Open(doc Document, scene Scene) {
	if !IsCandidate(doc) {
		return
	}
	if !l.local() {
		if id, err := diagnostics.Parse(doc.URI); err == nil {
			l.store.Focus(id)
			if _, ok := l.store.Open(id); ok {
				return
			}
		}
	}
	l.Update(doc, scene)
}

func (l *Linter) schedule(doc Document, id diagnostics.Identity, scene Scene) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	seq := l.seq
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.timer != nil && l.timer.Stop() {
		l.running.Done()
	}
	l.running.Add(1)
	l.timer = time.AfterFunc(l.debounce, func() {
		defer l.running.Done()
		l.run(seq, doc, id, scene)
	})
}

func (l *Linter) isLatest(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.seq == seq
}

func (l *Linter) run(seq uint64, doc Document, id diagnostics.Identity, scene Scene) {
	l.mu.Lock()
	if l.closed || l.seq != seq {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	span := trace.Begin(l.tracer, trace.ScopeRequest, "lint", 0).
		WithExtra("uri", doc.URI).
		WithExtra("seq", strconv.FormatUint(seq, 10))
	ctx = trace.WithSpan(trace.WithTracer(ctx, l.tracer), span)

	l.status.SetStatus(CheckingStatus, specdoc.BaseName(doc.URI))
	table, score, err := l.analyze(ctx, doc)
	if !l.isLatest(seq) {
		span.End("superseded")
		l.log.Debug("discarding superseded analysis", zap.String("uri", doc.URI), zap.Uint64("seq", seq))
		return
	}
	if err != nil {
		span.End(err.Error())
		l.fail(err)
		return
	}
	l.apply(id, doc, table, score, scene)
	span.End("ok")
}

// Lint analyses doc immediately and records the findings.
func (l *Linter) Lint(ctx context.Context, doc Document, scene Scene) (Table, string, error) {
	id, err := diagnostics.Parse(doc.URI)
	if err != nil {
		return Table{}, "", err
	}
	if l.svc == nil {
		return Table{}, "", apiclient.ErrNoEndpoint
	}
	l.status.SetStatus(CheckingStatus, specdoc.BaseName(doc.URI))
	table, score, err := l.analyze(ctx, doc)
	if err != nil {
		l.fail(err)
		return Table{}, "", err
	}
	l.apply(id, doc, table, score, scene)
	return table, score, nil
}

func (l *Linter) analyze(ctx context.Context, doc Document) (Table, string, error) {
	meta, err := l.svc.Analyzers(ctx)
	if err != nil {
		return Table{}, "", err
	}
	names := make([]string, 0, len(meta))
	for _, m := range meta {
		names = append(names, m.NameID)
	}

	serviceID, specID := AnalyzeTarget(doc.URI)
	res, err := l.svc.AnalyzeSpec(ctx, apiclient.AnalyzeParams{
		Doc:       doc.Text,
		ServiceID: serviceID,
		SpecID:    specID,
		Analyzers: names,
	})
	if err != nil {
		return Table{}, "", err
	}
	return TableOf(res.Analyses(), meta), string(res.SpecScore), nil
}

// AnalyzeTarget picks the service and spec a document is analysed as: the
// service name and spec id from a remote spec URI, or the document path.
func AnalyzeTarget(uri string) (serviceID, specID string) {
	u, err := url.Parse(uri)
	if err != nil {
		return uri, ""
	}
	serviceID = u.Path
	q := specdoc.ParseQuery(u.RawQuery)
	if q.ServiceName != "" {
		serviceID = q.ServiceName
	}
	return serviceID, q.SpecID
}

func (l *Linter) apply(id diagnostics.Identity, doc Document, table Table, score string, scene Scene) {
	target := l.store.Update(id, table.List, score, false)
	l.log.Info("document analysed",
		zap.String("uri", target.URI),
		zap.String("score", score),
		zap.Int("findings", len(table.List)),
		zap.Stringer("scene", scene))
	if scene == SceneSave {
		path := doc.URI
		if u, err := url.Parse(doc.URI); err == nil && u.Path != "" {
			path = u.Path
		}
		l.notify.Info(fmt.Sprintf("The diagnostics for “%s” has been updated.", path))
	}
}

func (l *Linter) fail(err error) {
	l.status.SetStatus("", "")
	msg, checkSettings := UserMessage(err)
	if msg == "" {
		return
	}
	l.log.Warn("analysis failed", zap.Error(err))
	l.notify.Error(msg, checkSettings)
}

// Close stops pending analyses and waits for a running one to return.
func (l *Linter) Close() {
	l.mu.Lock()
	l.closed = true
	if l.timer != nil && l.timer.Stop() {
		l.running.Done()
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.baseCancel()
	l.running.Wait()
}

// UserMessage renders err for a notification. Cancellations render empty.
// checkSettings is set for failures the user can fix in the settings.
func UserMessage(err error) (msg string, checkSettings bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return "", false
	}
	if errors.Is(err, apiclient.ErrNoEndpoint) {
		return "Please set endpoint URL", true
	}
	if apiclient.IsAuthError(err) {
		return err.Error(), true
	}
	msg = err.Error()
	if strings.Contains(strings.ToLower(msg), "timeout") || strings.Contains(strings.ToLower(msg), "timed out") ||
		errors.Is(err, context.DeadlineExceeded) {
		msg = strings.ReplaceAll(msg, strconv.FormatInt(apiclient.DefaultTimeout.Milliseconds(), 10)+"ms", "2 mins")
		return msg + ", please try again later.", false
	}
	return msg, false
}
