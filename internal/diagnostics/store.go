// Package diagnostics caches per-document analysis results and keeps editor
// annotations and the score indicator in step with them.
package diagnostics

import (
	"sync"

	"go.uber.org/zap"

	"specbridge/internal/specdoc"
)

// Publisher receives editor annotations for a concrete document URI. A nil
// slice clears the document.
type Publisher interface {
	Publish(uri string, annotations []Annotation)
}

// StatusSink shows the score of the focused document. Empty text hides it.
type StatusSink interface {
	SetStatus(text, tooltip string)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(uri string, annotations []Annotation)

func (f PublisherFunc) Publish(uri string, annotations []Annotation) { f(uri, annotations) }

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(text, tooltip string)

func (f StatusFunc) SetStatus(text, tooltip string) { f(text, tooltip) }

type nopPublisher struct{}

func (nopPublisher) Publish(string, []Annotation) {}

type nopStatus struct{}

func (nopStatus) SetStatus(string, string) {}

// Options configures a Store.
type Options struct {
	Publisher Publisher
	Status    StatusSink
	Views     *ViewRegistry // shared with whoever opens views; created if nil
	Logger    *zap.Logger
}

type entry struct {
	record Record
	uri    string // concrete document last annotated
}

// Store caches the latest Record per document key.
type Store struct {
	pub    Publisher
	status StatusSink
	views  *ViewRegistry
	log    *zap.Logger

	mu       sync.Mutex
	records  map[string]*entry
	focused  Identity
	hasFocus bool
}

func NewStore(opts Options) *Store {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Status == nil {
		opts.Status = nopStatus{}
	}
	if opts.Views == nil {
		opts.Views = NewViewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		pub:     opts.Publisher,
		status:  opts.Status,
		views:   opts.Views,
		log:     opts.Logger,
		records: make(map[string]*entry),
	}
}

// Views returns the registry the store consults when reusing views.
func (s *Store) Views() *ViewRegistry { return s.views }

// StatusText formats the score indicator.
func StatusText(score string) string { return "API Score: " + score }

// Update replaces the record for id and re-annotates the document. With
// reuseView set, the annotations go to the active view of the same spec
// (see ViewRegistry.Active) instead of id's own URI. It returns the identity
// that was annotated.
func (s *Store) Update(id Identity, findings []Finding, score string, reuseView bool) Identity {
	target := id
	if reuseView {
		if h, ok := s.views.Active(id); ok {
			target = h.Identity
		}
	}
	rec := Record{Score: score, Findings: SortFindings(findings)}
	s.apply(target, rec)
	return target
}

func (s *Store) apply(target Identity, rec Record) {
	key := target.Key()

	s.mu.Lock()
	prevURI := ""
	if e, ok := s.records[key]; ok {
		prevURI = e.uri
	}
	s.records[key] = &entry{record: rec, uri: target.URI}
	focused := s.hasFocus && s.focused.Key() == key
	s.mu.Unlock()

	if prevURI != "" && prevURI != target.URI {
		s.pub.Publish(prevURI, nil)
	}
	s.pub.Publish(target.URI, Annotations(rec.Findings))
	if focused {
		s.status.SetStatus(StatusText(rec.Score), specdoc.BaseName(target.URI))
	}
	s.log.Debug("diagnostics updated",
		zap.String("key", key),
		zap.String("uri", target.URI),
		zap.Int("findings", len(rec.Findings)),
		zap.String("score", rec.Score))
}

// Open returns the cached record for id and re-applies it to the active view
// of the same spec so a reopened view is annotated without re-analysis.
func (s *Store) Open(id Identity) (Record, bool) {
	rec, ok := s.Get(id)
	if !ok {
		return Record{}, false
	}
	s.Update(id, rec.Findings, rec.Score, true)
	return rec, true
}

// Get returns a copy of the cached record without side effects.
func (s *Store) Get(id Identity) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id.Key()]
	if !ok {
		return Record{}, false
	}
	return e.record.clone(), true
}

// Invalidate drops the record for id and clears its annotations.
func (s *Store) Invalidate(id Identity) {
	key := id.Key()
	s.mu.Lock()
	e, ok := s.records[key]
	delete(s.records, key)
	focused := s.hasFocus && s.focused.Key() == key
	s.mu.Unlock()

	if ok && e.uri != "" && e.uri != id.URI {
		s.pub.Publish(e.uri, nil)
	}
	if id.URI != "" {
		s.pub.Publish(id.URI, nil)
	}
	if focused {
		s.status.SetStatus("", "")
	}
}

// Rebind moves the record cached under oldID to newID, for a document that
// was reopened under a different identity. It reports whether a record
// existed.
func (s *Store) Rebind(newID, oldID Identity) bool {
	s.mu.Lock()
	e, ok := s.records[oldID.Key()]
	if ok {
		delete(s.records, oldID.Key())
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if e.uri != "" {
		s.pub.Publish(e.uri, nil)
	}
	if oldID.URI != "" && oldID.URI != e.uri {
		s.pub.Publish(oldID.URI, nil)
	}
	s.apply(newID, e.record)
	return true
}

// Focus marks id as the focused document and refreshes the indicator.
func (s *Store) Focus(id Identity) {
	s.views.Focus(id)

	s.mu.Lock()
	s.focused = id
	s.hasFocus = true
	e, ok := s.records[id.Key()]
	var score string
	if ok {
		score = e.record.Score
	}
	s.mu.Unlock()

	if ok {
		s.status.SetStatus(StatusText(score), specdoc.BaseName(id.URI))
	} else {
		s.status.SetStatus("", "")
	}
}

// Blur clears focus, as when no editor is active.
func (s *Store) Blur() {
	s.mu.Lock()
	s.hasFocus = false
	s.focused = Identity{}
	s.mu.Unlock()
	s.status.SetStatus("", "")
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
