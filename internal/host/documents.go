package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"specbridge/internal/analysis"
	"specbridge/internal/bridge"
	"specbridge/internal/diagnostics"
)

// DiagnosticsUpdate is pushed when a document's annotations change. No
// annotations clears the document.
type DiagnosticsUpdate struct {
	URI         string                   `json:"uri"`
	Annotations []diagnostics.Annotation `json:"annotations"`
}

// StatusUpdate carries the score indicator of the focused document. Empty
// text hides it.
type StatusUpdate struct {
	Text    string `json:"text"`
	Tooltip string `json:"tooltip,omitempty"`
}

// Notification is a message for the user.
type Notification struct {
	Level         string `json:"level"`
	Message       string `json:"message"`
	CheckSettings bool   `json:"checkSettings,omitempty"`
}

// DocumentState answers the open and get document commands.
type DocumentState struct {
	Cached bool                `json:"cached"`
	Record *diagnostics.Record `json:"record,omitempty"`
}

type docCommand func(ctx context.Context, params bridge.DocumentParams) (any, error)

func (h *Host) documentCommands() map[string]docCommand {
	return map[string]docCommand{
		"open":   h.openDocument,
		"save":   h.saveDocument,
		"focus":  h.focusDocument,
		"blur":   h.blurDocument,
		"close":  h.closeDocument,
		"rebind": h.rebindDocument,
		"hover":  h.hoverDocument,
		"get":    h.getDocument,
	}
}

func (h *Host) runDocumentCommand(ctx context.Context, command string, args []json.RawMessage) (any, error) {
	fn, ok := h.docCommands[command]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, bridge.DocumentNamespace, command)
	}
	var params bridge.DocumentParams
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &params); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", command, err)
		}
	}
	return fn(ctx, params)
}

func documentID(uri string) (diagnostics.Identity, error) {
	if uri == "" {
		return diagnostics.Identity{}, errors.New("document command needs a uri")
	}
	return diagnostics.Parse(uri)
}

func documentOf(params bridge.DocumentParams) analysis.Document {
	return analysis.Document{URI: params.URI, Text: params.Text, LanguageID: params.LanguageID}
}

// openDocument makes the view of params.URI active and shows its cached
// findings, or schedules an analysis when there are none.
func (h *Host) openDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	id, err := documentID(params.URI)
	if err != nil {
		return nil, err
	}
	h.registerView(id)
	h.linter.Open(documentOf(params), analysis.SceneFocus)
	return h.documentState(id), nil
}

func (h *Host) saveDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	if _, err := documentID(params.URI); err != nil {
		return nil, err
	}
	h.linter.Update(documentOf(params), analysis.SceneSave)
	return nil, nil
}

func (h *Host) focusDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	id, err := documentID(params.URI)
	if err != nil {
		return nil, err
	}
	h.diags.Focus(id)
	return nil, nil
}

func (h *Host) blurDocument(context.Context, bridge.DocumentParams) (any, error) {
	h.diags.Blur()
	return nil, nil
}

// closeDocument retires the view of params.URI. The record stays cached so
// reopening the document needs no analysis.
func (h *Host) closeDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	if _, err := documentID(params.URI); err != nil {
		return nil, err
	}
	return h.unregisterView(params.URI), nil
}

// rebindDocument moves the record and the view of params.OldURI to
// params.URI, for a document reopened under another identity.
func (h *Host) rebindDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	newID, err := documentID(params.URI)
	if err != nil {
		return nil, err
	}
	oldID, err := documentID(params.OldURI)
	if err != nil {
		return nil, fmt.Errorf("rebind source: %w", err)
	}
	if h.unregisterView(params.OldURI) {
		h.registerView(newID)
	}
	return h.diags.Rebind(newID, oldID), nil
}

func (h *Host) hoverDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	id, err := documentID(params.URI)
	if err != nil {
		return nil, err
	}
	texts := h.diags.Hover(id, diagnostics.Position{Line: params.Line, Character: params.Character})
	if texts == nil {
		texts = []string{}
	}
	return texts, nil
}

func (h *Host) getDocument(_ context.Context, params bridge.DocumentParams) (any, error) {
	id, err := documentID(params.URI)
	if err != nil {
		return nil, err
	}
	return h.documentState(id), nil
}

func (h *Host) documentState(id diagnostics.Identity) DocumentState {
	rec, ok := h.diags.Get(id)
	if !ok {
		return DocumentState{}
	}
	return DocumentState{Cached: true, Record: &rec}
}

// registerView makes id's view active. A view it replaces is forgotten by
// the registry's dispose callback.
func (h *Host) registerView(id diagnostics.Identity) {
	var handle *diagnostics.ViewHandle
	handle = h.diags.Views().Register(id, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for uri, cur := range h.docViews {
			if cur == handle {
				delete(h.docViews, uri)
			}
		}
	})
	h.mu.Lock()
	h.docViews[id.URI] = handle
	h.mu.Unlock()
	h.log.Debug("document view opened", zap.String("uri", id.URI), zap.Stringer("mode", id.Mode))
}

func (h *Host) unregisterView(uri string) bool {
	id, err := diagnostics.Parse(uri)
	if err != nil {
		return false
	}
	h.mu.Lock()
	handle, ok := h.docViews[id.URI]
	delete(h.docViews, id.URI)
	h.mu.Unlock()
	if !ok {
		return false
	}
	return h.diags.Views().Close(handle)
}

func (h *Host) publishAnnotations(uri string, annotations []diagnostics.Annotation) {
	if annotations == nil {
		annotations = []diagnostics.Annotation{}
	}
	h.Push(bridge.TypeDiagnosticsUpdate, DiagnosticsUpdate{URI: uri, Annotations: annotations})
}

func (h *Host) pushStatus(text, tooltip string) {
	h.Push(bridge.TypeStatusUpdate, StatusUpdate{Text: text, Tooltip: tooltip})
}

// viewNotifier shows linter messages in the attached views.
type viewNotifier struct{ h *Host }

func (n viewNotifier) Info(msg string) {
	n.h.Push(bridge.TypeShowNotification, Notification{Level: "info", Message: msg})
}

func (n viewNotifier) Error(msg string, checkSettings bool) {
	n.h.Push(bridge.TypeShowNotification, Notification{Level: "error", Message: msg, CheckSettings: checkSettings})
}
