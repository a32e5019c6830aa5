package specdoc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFileName(t *testing.T) {
	if got := FileName("svcX", "v1", "2"); got != "svcX-v1-r2.spec.json" {
		t.Fatalf("unexpected file name %q", got)
	}
}

func TestURIForSpecRoundTrip(t *testing.T) {
	spec := Spec{ID: "s-1", ServiceID: "svc-9", ServiceName: "svcX", Version: "v1", Revision: "2", Score: 92, UpdatedAt: "2024-01-02"}
	uri, err := URIForSpec(spec, SchemeRead)
	if err != nil {
		t.Fatalf("URIForSpec: %v", err)
	}
	if !IsRemoteURI(uri) {
		t.Fatalf("expected remote uri, got %q", uri)
	}
	if got := BaseName(uri); got != "svcX-v1-r2.spec.json" {
		t.Fatalf("unexpected base name %q", got)
	}
	q := ParseQuery(uri[len(uri)-len(QueryOf(spec).Encode()):])
	if diff := cmp.Diff(QueryOf(spec), q); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestURIForSpecNeedsServiceName(t *testing.T) {
	if _, err := URIForSpec(Spec{ID: "x"}, ""); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestIsRemoteURI(t *testing.T) {
	cases := map[string]bool{
		"specbridge:/API%20Specs/a-v1-r1.spec.json":          true,
		"specbridge-readonly:/API%20Specs/a-v1-r1.spec.json": true,
		"file:///tmp/a-v1-r1.spec.json":                      false,
		"specbridge:/API%20Specs/a.yaml":                     false,
	}
	for uri, want := range cases {
		if got := IsRemoteURI(uri); got != want {
			t.Fatalf("IsRemoteURI(%q) = %v, want %v", uri, got, want)
		}
	}
}

func TestIsSpec(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want bool
	}{
		{"openapi yaml", "openapi: 3.0.0\ninfo:\n  title: x\n", true},
		{"swagger json", `{"swagger":"2.0","paths":{}}`, true},
		{"plain yaml", "name: thing\n", false},
		{"scalar", "just text", false},
		{"broken", "{not: [valid", false},
	}
	for _, tc := range cases {
		if got := IsSpec([]byte(tc.doc)); got != tc.want {
			t.Fatalf("%s: IsSpec = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDefinitionPrefersLongestTemplate(t *testing.T) {
	doc := "openapi: 3.0.0\n" +
		"paths:\n" +
		"  /pets:\n" +
		"    get: {}\n" +
		"  /pets/{petId}:\n" +
		"    get: {}\n" +
		"  /pets/{petId}/owner:\n" +
		"    get: {}\n"

	pos, err := Definition([]byte(doc), "/pets/42")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if pos != (Position{Line: 4, Column: 2}) {
		t.Fatalf("unexpected position %+v", pos)
	}

	pos, err = Definition([]byte(doc), "/pets/42/owner?x=1")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if pos.Line != 6 {
		t.Fatalf("expected owner path on line 6, got %+v", pos)
	}

	if _, err := Definition([]byte(doc), "/stores"); err != ErrNoDefinition {
		t.Fatalf("expected ErrNoDefinition, got %v", err)
	}
}

func TestDetectFormat(t *testing.T) {
	if DetectFormat([]byte("  {\"openapi\":1}")) != FormatJSON {
		t.Fatalf("expected json")
	}
	if DetectFormat([]byte("openapi: 3")) != FormatYAML {
		t.Fatalf("expected yaml")
	}
}
