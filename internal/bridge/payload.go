package bridge

import (
	"encoding/json"

	"specbridge/internal/specdoc"
)

// FetchParams is a remote service call proxied through the host. Relative
// URLs are resolved against the configured endpoint.
type FetchParams struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Params  map[string]string `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// PersistParams asks the host to write a document.
type PersistParams struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// PersistResult acknowledges a write.
type PersistResult struct {
	Status string `json:"status"`
}

// CommandParams names a host command. Args prefixed with file:// are passed
// to the command as local paths.
type CommandParams struct {
	Command   string            `json:"command"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
}

// SpecAnalysesParams selects the stored analyses of a remote spec.
type SpecAnalysesParams struct {
	SpecID    string `json:"specId"`
	ServiceID string `json:"serviceId"`
}

// ChangeType distinguishes viewing a new pair from re-analysing after a save.
type ChangeType string

const (
	ChangeOpen ChangeType = "open"
	ChangeSave ChangeType = "save"
)

// SpecRef points at either a remote spec revision or a local document.
type SpecRef struct {
	Spec *specdoc.Spec `json:"spec,omitempty"`
	URI  string        `json:"uri,omitempty"`
}

// IsLocal reports whether the reference names a document rather than a
// stored revision.
func (r SpecRef) IsLocal() bool { return r.Spec == nil }

// DiffSummaryParams requests a diff summary session for a pair of specs.
type DiffSummaryParams struct {
	NewSpec    SpecRef    `json:"newSpec"`
	OldSpec    SpecRef    `json:"oldSpec"`
	ChangeType ChangeType `json:"changeType"`
}

// UploadChange reports that a local file was uploaded as a spec revision, or
// with Remove set, that its history entry should be forgotten.
type UploadChange struct {
	Path   string        `json:"path"`
	Query  specdoc.Query `json:"query"`
	Remove bool          `json:"remove,omitempty"`
}

// DocumentNamespace is the execute-host-command namespace of the document
// commands: open, save, focus, blur, close, rebind, hover and get.
const DocumentNamespace = "documents"

// DocumentParams is the single argument of a document command. Positions are
// 0-based editor positions.
type DocumentParams struct {
	URI        string `json:"uri,omitempty"`
	OldURI     string `json:"oldUri,omitempty"`
	Text       string `json:"text,omitempty"`
	LanguageID string `json:"languageId,omitempty"`
	Line       uint32 `json:"line,omitempty"`
	Character  uint32 `json:"character,omitempty"`
}
