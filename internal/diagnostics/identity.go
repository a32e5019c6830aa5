package diagnostics

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"specbridge/internal/specdoc"
)

// Mode is the view mode a document is displayed in.
type Mode uint8

const (
	// ModeFile is a plain workspace document with no alternate views.
	ModeFile Mode = iota
	ModeEdit
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeEdit:
		return "edit"
	case ModeRead:
		return "read"
	default:
		return "file"
	}
}

// Scheme returns the URI scheme documents in mode m use.
func (m Mode) Scheme() string {
	switch m {
	case ModeEdit:
		return specdoc.SchemeEdit
	case ModeRead:
		return specdoc.SchemeRead
	default:
		return specdoc.SchemeFile
	}
}

func modeForScheme(scheme string) Mode {
	switch scheme {
	case specdoc.SchemeEdit:
		return ModeEdit
	case specdoc.SchemeRead:
		return ModeRead
	default:
		return ModeFile
	}
}

// Identity addresses one concrete document: a logical base shared by every
// view of the same spec, plus the mode it is shown in.
type Identity struct {
	Base string
	Mode Mode
	URI  string // concrete URI, fragment stripped
}

// Parse splits a document URI into its identity. The fragment is dropped and
// the path is cleaned and NFC-normalized, so the same spec opened editable
// and read-only yields equal keys.
func Parse(raw string) (Identity, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Identity{}, fmt.Errorf("parse document uri %q: %w", raw, err)
	}
	u.Fragment = ""
	u.RawFragment = ""

	p := u.Path
	if u.Scheme == "" && u.Opaque == "" && p == "" {
		return Identity{}, fmt.Errorf("empty document uri %q", raw)
	}
	if u.Opaque != "" {
		p = u.Opaque
	}
	return Identity{
		Base: canonicalBase(p),
		Mode: modeForScheme(u.Scheme),
		URI:  u.String(),
	}, nil
}

// MustParse is Parse for constant URIs.
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Key is the cache key: the base without mode or fragment.
func (id Identity) Key() string { return id.Base }

// WithMode returns the identity of the same document shown in mode m.
func (id Identity) WithMode(m Mode) Identity {
	if id.Mode == m {
		return id
	}
	u, err := url.Parse(id.URI)
	if err != nil {
		return Identity{Base: id.Base, Mode: m, URI: id.URI}
	}
	u.Scheme = m.Scheme()
	return Identity{Base: id.Base, Mode: m, URI: u.String()}
}

func (id Identity) String() string {
	if id.URI != "" {
		return id.URI
	}
	return id.Base
}

func canonicalBase(p string) string {
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = norm.NFC.String(p)
	if p == "" {
		return ""
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	return cleaned
}
