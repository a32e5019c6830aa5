package diagnostics

import "sync"

// ViewHandle is a live view of a document.
type ViewHandle struct {
	Identity Identity

	dispose  func()
	focusSeq uint64
}

type viewKey struct {
	key  string
	mode Mode
}

// ViewRegistry tracks at most one active view per (identity, mode).
type ViewRegistry struct {
	mu    sync.Mutex
	views map[viewKey]*ViewHandle
	seq   uint64
}

func NewViewRegistry() *ViewRegistry {
	return &ViewRegistry{views: make(map[viewKey]*ViewHandle)}
}

// Register makes a new view active. A view already active for the same
// identity and mode is retired first: it is removed and its dispose callback
// runs before Register returns.
func (r *ViewRegistry) Register(id Identity, dispose func()) *ViewHandle {
	h := &ViewHandle{Identity: id, dispose: dispose}
	k := viewKey{id.Key(), id.Mode}

	r.mu.Lock()
	prev := r.views[k]
	r.views[k] = h
	r.mu.Unlock()

	if prev != nil && prev.dispose != nil {
		prev.dispose()
	}
	return h
}

// Close removes h if it is still the active view. It reports whether h was
// active.
func (r *ViewRegistry) Close(h *ViewHandle) bool {
	if h == nil {
		return false
	}
	k := viewKey{h.Identity.Key(), h.Identity.Mode}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.views[k] != h {
		return false
	}
	delete(r.views, k)
	return true
}

// Lookup returns the active view for id's key in exactly mode.
func (r *ViewRegistry) Lookup(id Identity, mode Mode) (*ViewHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.views[viewKey{id.Key(), mode}]
	return h, ok
}

// Focus records that id's view took focus.
func (r *ViewRegistry) Focus(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.views[viewKey{id.Key(), id.Mode}]; ok {
		r.seq++
		h.focusSeq = r.seq
	}
}

// Active picks the view an update for id should land on. Among the
// read-only and editable views of a remote spec the most recently focused
// wins; if neither was ever focused, or both share a focus, read-only wins.
// Plain files only match their own view.
func (r *ViewRegistry) Active(id Identity) (*ViewHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id.Mode == ModeFile {
		h, ok := r.views[viewKey{id.Key(), ModeFile}]
		return h, ok
	}
	read := r.views[viewKey{id.Key(), ModeRead}]
	edit := r.views[viewKey{id.Key(), ModeEdit}]
	switch {
	case read == nil && edit == nil:
		return nil, false
	case edit == nil:
		return read, true
	case read == nil:
		return edit, true
	case edit.focusSeq > read.focusSeq:
		return edit, true
	default:
		return read, true
	}
}

// Len returns the number of active views.
func (r *ViewRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
