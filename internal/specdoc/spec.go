// Package specdoc knows how API specification documents are named, addressed
// and recognized.
package specdoc

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Document URI schemes for remote specs. Both address the same spec; the
// read-only scheme is used by viewers, the edit scheme by editable buffers.
const (
	SchemeEdit = "specbridge"
	SchemeRead = "specbridge-readonly"
	SchemeFile = "file"

	// BaseDir is the virtual directory remote specs live under.
	BaseDir = "/API Specs"

	remoteSuffix = ".spec.json"
)

// Spec is a spec revision as stored by the analysis service.
type Spec struct {
	ID          string  `json:"id" msgpack:"id"`
	ServiceID   string  `json:"service_id" msgpack:"service_id"`
	ServiceName string  `json:"service_name,omitempty" msgpack:"service_name,omitempty"`
	Version     string  `json:"version" msgpack:"version"`
	Revision    string  `json:"revision" msgpack:"revision"`
	State       string  `json:"state,omitempty" msgpack:"state,omitempty"`
	Score       float64 `json:"score" msgpack:"score"`
	DocType     string  `json:"doc_type,omitempty" msgpack:"doc_type,omitempty"`
	Doc         string  `json:"doc,omitempty" msgpack:"doc,omitempty"`
	Valid       string  `json:"valid,omitempty" msgpack:"valid,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty" msgpack:"created_at,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty" msgpack:"updated_at,omitempty"`
}

// Local describes a spec that lives in a workspace file.
type Local struct {
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	UpdatedAt string  `json:"updated_at"`
	Path      string  `json:"path"`
}

// Query is the metadata carried in the query string of a remote spec URI.
type Query struct {
	SpecID      string  `json:"specId,omitempty" msgpack:"specId,omitempty"`
	ServiceID   string  `json:"serviceId,omitempty" msgpack:"serviceId,omitempty"`
	ServiceName string  `json:"serviceName,omitempty" msgpack:"serviceName,omitempty"`
	Score       float64 `json:"score,omitempty" msgpack:"score,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty" msgpack:"updatedAt,omitempty"`
	Version     string  `json:"version,omitempty" msgpack:"version,omitempty"`
	Revision    string  `json:"revision,omitempty" msgpack:"revision,omitempty"`
}

// FileName returns the virtual file name of a remote spec revision.
func FileName(serviceName, version, revision string) string {
	return fmt.Sprintf("%s-%s-r%s%s", serviceName, version, revision, remoteSuffix)
}

// QueryOf extracts the URI metadata of spec.
func QueryOf(spec Spec) Query {
	return Query{
		SpecID:      spec.ID,
		ServiceID:   spec.ServiceID,
		ServiceName: spec.ServiceName,
		Score:       spec.Score,
		UpdatedAt:   spec.UpdatedAt,
		Version:     spec.Version,
		Revision:    spec.Revision,
	}
}

// Encode renders q in a stable key order.
func (q Query) Encode() string {
	v := url.Values{}
	v.Set("specId", q.SpecID)
	v.Set("serviceId", q.ServiceID)
	v.Set("serviceName", q.ServiceName)
	v.Set("score", strconv.FormatFloat(q.Score, 'f', -1, 64))
	v.Set("updatedAt", q.UpdatedAt)
	v.Set("version", q.Version)
	v.Set("revision", q.Revision)
	return v.Encode()
}

// ParseQuery decodes a remote spec URI query. Unknown keys are ignored and a
// malformed score reads as zero.
func ParseQuery(raw string) Query {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return Query{}
	}
	score, _ := strconv.ParseFloat(v.Get("score"), 64)
	return Query{
		SpecID:      v.Get("specId"),
		ServiceID:   v.Get("serviceId"),
		ServiceName: v.Get("serviceName"),
		Score:       score,
		UpdatedAt:   v.Get("updatedAt"),
		Version:     v.Get("version"),
		Revision:    v.Get("revision"),
	}
}

// URIForSpec builds the document URI of spec under scheme. It fails when the
// spec carries no service name, since the file name cannot be derived.
func URIForSpec(spec Spec, scheme string) (string, error) {
	if spec.ServiceName == "" {
		return "", fmt.Errorf("spec %s has no service name", spec.ID)
	}
	if scheme == "" {
		scheme = SchemeRead
	}
	u := url.URL{
		Scheme:   scheme,
		Path:     path.Join(BaseDir, FileName(spec.ServiceName, spec.Version, spec.Revision)),
		RawQuery: QueryOf(spec).Encode(),
	}
	return u.String(), nil
}

// IsRemoteURI reports whether uri addresses a remote spec in either scheme.
func IsRemoteURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != SchemeEdit && u.Scheme != SchemeRead {
		return false
	}
	return strings.HasSuffix(u.Path, remoteSuffix)
}

// BaseName returns the last path element of uri, used as a display title.
func BaseName(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(uri)
}
