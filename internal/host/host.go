package host

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"specbridge/internal/aggregate"
	"specbridge/internal/analysis"
	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
	"specbridge/internal/config"
	"specbridge/internal/diagnostics"
	"specbridge/internal/diffsummary"
	"specbridge/internal/trace"
	"specbridge/internal/uploads"
)

// Service is the part of the analysis service the host proxies.
type Service interface {
	Do(ctx context.Context, req apiclient.Request) (*apiclient.Response, error)
	Analyzers(ctx context.Context) ([]apiclient.Analyzer, error)
	SpecAnalyses(ctx context.Context, serviceID, specID string) ([]apiclient.AnalyzerResult, error)
}

// Options configures a Host. Nil collaborators fall back to working
// defaults, except Service and Diffs which disable their request types.
// Without Analyzer the document commands only serve cached findings.
type Options struct {
	Service  Service
	Settings func() config.Settings
	Uploads  *uploads.Store
	Diffs    *diffsummary.Builder

	Analyzer     analysis.Service
	LintDebounce time.Duration

	Documents  DocumentWriter
	Commands   CommandExecutor
	Objects    ObjectReader
	SettingsUI SettingsOpener

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Host owns the interceptors and the views attached to it.
type Host struct {
	id       string
	router   *Router
	svc      Service
	settings func() config.Settings
	uploads  *uploads.Store
	diffs    *diffsummary.Builder
	sessions *aggregate.Manager
	diags    *diagnostics.Store
	linter   *analysis.Linter

	docCommands map[string]docCommand

	docs      DocumentWriter
	commands  CommandExecutor
	objects   ObjectReader
	settingUI SettingsOpener

	log    *zap.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	views    map[*bridge.Protocol]string
	docViews map[string]*diagnostics.ViewHandle
	lastDiff *bridge.DiffSummaryParams
}

func New(opts Options) *Host {
	if opts.Settings == nil {
		opts.Settings = func() config.Settings { return config.Settings{} }
	}
	if opts.Documents == nil {
		opts.Documents = FileWriter{}
	}
	if opts.Commands == nil {
		opts.Commands = NewCommands()
	}
	if opts.Objects == nil {
		opts.Objects = ObjectTree{}
	}
	if opts.SettingsUI == nil {
		opts.SettingsUI = SettingsOpenerFunc(func(context.Context) error { return nil })
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	h := &Host{
		id:        uuid.NewString(),
		svc:       opts.Service,
		settings:  opts.Settings,
		uploads:   opts.Uploads,
		diffs:     opts.Diffs,
		docs:      opts.Documents,
		commands:  opts.Commands,
		objects:   opts.Objects,
		settingUI: opts.SettingsUI,
		log:       opts.Logger,
		tracer:    opts.Tracer,
		views:     make(map[*bridge.Protocol]string),
		docViews:  make(map[string]*diagnostics.ViewHandle),
	}
	h.log = h.log.With(zap.String("host", h.id))
	h.router = NewRouter(h.log, h.tracer)
	h.sessions = aggregate.NewManager(aggregate.SinkFunc(h.emitDiff), h.log, h.tracer)

	status := diagnostics.StatusFunc(h.pushStatus)
	h.diags = diagnostics.NewStore(diagnostics.Options{
		Publisher: diagnostics.PublisherFunc(h.publishAnnotations),
		Status:    status,
		Logger:    h.log.Named("diagnostics"),
	})
	h.linter = analysis.NewLinter(analysis.Options{
		Service:  opts.Analyzer,
		Store:    h.diags,
		Status:   status,
		Notifier: viewNotifier{h},
		Local:    func() bool { return h.settings().Local() },
		Debounce: opts.LintDebounce,
		Logger:   h.log.Named("lint"),
		Tracer:   h.tracer,
	})
	h.docCommands = h.documentCommands()
	h.registerInterceptors()
	return h
}

// Close stops pending and running analyses.
func (h *Host) Close() {
	h.linter.Close()
}

// Diagnostics returns the store behind the document commands.
func (h *Host) Diagnostics() *diagnostics.Store { return h.diags }

// ID identifies the host process in logs.
func (h *Host) ID() string { return h.id }

// Router returns the request router; it is the bridge.Handler of every
// attached view.
func (h *Host) Router() *Router { return h.router }

// Sessions returns the aggregation manager behind the diff view.
func (h *Host) Sessions() *aggregate.Manager { return h.sessions }

// Attach registers p for pushes and returns the view's session id.
func (h *Host) Attach(p *bridge.Protocol) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.views[p] = id
	h.mu.Unlock()
	h.log.Debug("view attached", zap.String("view", id))
	return id
}

// Detach stops pushing to p.
func (h *Host) Detach(p *bridge.Protocol) {
	h.mu.Lock()
	id, ok := h.views[p]
	delete(h.views, p)
	h.mu.Unlock()
	if ok {
		h.log.Debug("view detached", zap.String("view", id))
	}
}

// Views returns the number of attached views.
func (h *Host) Views() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}

// Stats reports attached views and requests they still wait on, for the
// trace heartbeat.
func (h *Host) Stats() map[string]string {
	h.mu.Lock()
	views := len(h.views)
	pending := 0
	for p := range h.views {
		pending += p.Pending()
	}
	h.mu.Unlock()
	return map[string]string{
		"views":     strconv.Itoa(views),
		"pending":   strconv.Itoa(pending),
		"diff":      strconv.FormatUint(h.sessions.Generation(diffsummary.Key), 10),
		"documents": strconv.Itoa(h.diags.Len()),
	}
}

// Serve runs a protocol over tr until the peer goes away or ctx ends.
func (h *Host) Serve(ctx context.Context, tr bridge.Transport, codec bridge.Codec) error {
	p := bridge.New(tr, bridge.Options{Codec: codec, Handler: h.router, Logger: h.log, Tracer: h.tracer})
	h.Attach(p)
	defer h.Detach(p)

	select {
	case <-ctx.Done():
	case <-p.Done():
	}
	if err := p.Close(); err != nil {
		h.log.Debug("closing transport", zap.Error(err))
	}
	return nil
}

// Push sends a notification to every attached view.
func (h *Host) Push(typ bridge.MsgType, payload any) {
	h.mu.Lock()
	targets := make([]*bridge.Protocol, 0, len(h.views))
	for p := range h.views {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.Notify(typ, payload); err != nil && !errors.Is(err, bridge.ErrClosed) {
			h.log.Warn("push failed", zap.String("type", string(typ)), zap.Error(err))
		}
	}
}

// ConfigurationChanged pushes the new settings to every view.
func (h *Host) ConfigurationChanged(s config.Settings) {
	h.Push(bridge.TypeConfigurationChanged, s)
}

// UploadsChanged pushes the upload history to every view.
func (h *Host) UploadsChanged() {
	if h.uploads == nil {
		return
	}
	h.Push(bridge.TypeUploadHistoryUpdate, h.uploads.All())
}

// ShowDiff starts a diff summary session for p, superseding the running one.
// The request is remembered and replayed when a view reports it is ready.
func (h *Host) ShowDiff(ctx context.Context, p bridge.DiffSummaryParams) (*aggregate.Session, error) {
	if h.diffs == nil {
		return nil, errors.New("diff summaries are not available")
	}
	opts, sources, err := h.diffs.Plan(p)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.lastDiff = &p
	h.mu.Unlock()
	return h.sessions.Start(context.WithoutCancel(ctx), diffsummary.Key, opts, sources...), nil
}

func (h *Host) replayDiff(ctx context.Context) (*aggregate.Session, bool) {
	h.mu.Lock()
	last := h.lastDiff
	h.mu.Unlock()
	if last == nil {
		return nil, false
	}
	s, err := h.ShowDiff(ctx, *last)
	if err != nil {
		h.log.Debug("diff replay failed", zap.Error(err))
		return nil, false
	}
	return s, true
}

func (h *Host) emitDiff(u aggregate.Update) {
	h.Push(bridge.TypeDiffSummaryUpdate, u.Payload())
}
