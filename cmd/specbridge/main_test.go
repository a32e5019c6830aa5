package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"specbridge/internal/aggregate"
	"specbridge/internal/analysis"
	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
	"specbridge/internal/diagnostics"
	"specbridge/internal/diffsummary"
	"specbridge/internal/specdoc"
)

func noColor(t *testing.T) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func TestReadUIMode(t *testing.T) {
	cases := map[string]uiMode{"": uiModeAuto, "AUTO": uiModeAuto, " on ": uiModeOn, "off": uiModeOff}
	for in, want := range cases {
		got, err := readUIMode(in)
		if err != nil || got != want {
			t.Fatalf("readUIMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := readUIMode("sometimes"); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
	if !shouldUseTUI(uiModeOn) || shouldUseTUI(uiModeOff) {
		t.Fatalf("explicit modes must win over terminal detection")
	}
}

func TestApplyColorMode(t *testing.T) {
	noColor(t)
	if err := applyColorMode("on"); err != nil || color.NoColor {
		t.Fatalf("on: NoColor=%v err=%v", color.NoColor, err)
	}
	if err := applyColorMode("off"); err != nil || !color.NoColor {
		t.Fatalf("off: NoColor=%v err=%v", color.NoColor, err)
	}
	if err := applyColorMode("rainbow"); err == nil {
		t.Fatalf("expected error for invalid color mode")
	}
}

type fetcher map[string]*specdoc.Spec

func (f fetcher) Spec(_ context.Context, serviceID, specID string) (*specdoc.Spec, error) {
	spec, ok := f[serviceID+"/"+specID]
	if !ok {
		return nil, errors.New("not found")
	}
	return spec, nil
}

func TestSpecRef(t *testing.T) {
	stored := &specdoc.Spec{ID: "s1", ServiceID: "svc"}
	f := fetcher{"svc/s1": stored}
	ctx := context.Background()

	ref, err := specRef(ctx, f, "spec:svc/s1")
	if err != nil || ref.Spec != stored {
		t.Fatalf("remote ref = %+v, %v", ref, err)
	}
	for _, bad := range []string{"spec:svc", "spec:/s1", "spec:svc/"} {
		if _, err := specRef(ctx, f, bad); err == nil {
			t.Fatalf("specRef(%q) should fail", bad)
		}
	}
	if _, err := specRef(ctx, f, "spec:svc/missing"); err == nil {
		t.Fatalf("missing remote spec should fail")
	}

	path := filepath.Join(t.TempDir(), "pets.yaml")
	if err := os.WriteFile(path, []byte("openapi: 3.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ref, err = specRef(ctx, f, path)
	if err != nil {
		t.Fatalf("local ref: %v", err)
	}
	if !ref.IsLocal() || !strings.HasPrefix(ref.URI, "file://") || !strings.HasSuffix(ref.URI, "/pets.yaml") {
		t.Fatalf("unexpected local ref %+v", ref)
	}
}

func TestLanguageID(t *testing.T) {
	cases := map[string]string{"a.json": "json", "a.YAML": "yaml", "a.yml": "yaml", "a.txt": "plaintext"}
	for in, want := range cases {
		if got := languageID(in); got != want {
			t.Fatalf("languageID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorstSeverity(t *testing.T) {
	if got := worstSeverity(nil); got != 0 {
		t.Fatalf("empty = %v", got)
	}
	findings := []diagnostics.Finding{{Severity: diagnostics.SevHint}, {Severity: diagnostics.SevWarning}, {Severity: diagnostics.SevInfo}}
	if got := worstSeverity(findings); got != diagnostics.SevWarning {
		t.Fatalf("worst = %v, want warning", got)
	}
}

type diffService struct{}

func (diffService) Analyzers(context.Context) ([]apiclient.Analyzer, error) {
	return []apiclient.Analyzer{{NameID: "style", Title: "Style"}}, nil
}

func (diffService) AnalyzeSpec(context.Context, apiclient.AnalyzeParams) (*apiclient.AnalyzeResult, error) {
	return &apiclient.AnalyzeResult{SpecScore: "85"}, nil
}

func (diffService) SpecAnalyses(context.Context, string, string) ([]apiclient.AnalyzerResult, error) {
	return nil, nil
}

func (diffService) Spec(context.Context, string, string) (*specdoc.Spec, error) {
	return nil, errors.New("no stored specs")
}

func (diffService) SpecDiff(context.Context, string, string, string) (json.RawMessage, error) {
	return nil, errors.New("no stored specs")
}

func (diffService) DocDiff(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"result":{"json":{
		"added":[{"path":"/pets","method":"post"}],
		"deleted":[{"path":"/pets/{id}","method":"delete","breaking":true}]
	}}}`), nil
}

func TestRunDiffLocalPair(t *testing.T) {
	noColor(t)
	dir := t.TempDir()
	newPath := filepath.Join(dir, "new.yaml")
	oldPath := filepath.Join(dir, "old.yaml")
	for _, p := range []string{newPath, oldPath} {
		if err := os.WriteFile(p, []byte("openapi: 3.0.0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	params := bridge.DiffSummaryParams{
		NewSpec:    bridge.SpecRef{URI: fileURI(newPath)},
		OldSpec:    bridge.SpecRef{URI: fileURI(oldPath)},
		ChangeType: bridge.ChangeOpen,
	}
	final, err := runDiff(context.Background(), diffsummary.NewBuilder(diffService{}, nil), params, false)
	if err != nil {
		t.Fatalf("runDiff: %v", err)
	}
	if final.Loading || final.Err != nil || len(final.Failed) != 0 {
		t.Fatalf("unexpected final update %+v", final)
	}

	var out bytes.Buffer
	if err := renderDiff(&out, final, false); err != nil {
		t.Fatalf("renderDiff: %v", err)
	}
	text := out.String()
	for _, want := range []string{"new.yaml score 85.0 (l1)", "deleted (1) 1 breaking", "added (1)", "1 breaking change(s)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "deleted") > strings.Index(text, "added") {
		t.Fatalf("breaking group should come first:\n%s", text)
	}

	out.Reset()
	if err := renderDiff(&out, final, true); err != nil {
		t.Fatalf("renderDiff breaking only: %v", err)
	}
	if strings.Contains(out.String(), "added") {
		t.Fatalf("breaking-only output lists added changes:\n%s", out.String())
	}
}

func TestRenderDiffWithoutChanges(t *testing.T) {
	noColor(t)
	final := aggregate.Update{State: aggregate.Fields{
		diffsummary.FieldNewSpec:    &specdoc.Spec{ServiceName: "pets", Version: "1.0", Revision: "3", Score: 92},
		diffsummary.FieldOldSpec:    false,
		diffsummary.FieldNewSummary: analysis.Summary{Error: 2},
		diffsummary.FieldDiff:       nil,
		diffsummary.FieldChangeType: bridge.ChangeSave,
		diffsummary.FieldOldSummary: false,
	}}
	var out bytes.Buffer
	if err := renderDiff(&out, final, false); err != nil {
		t.Fatalf("renderDiff: %v", err)
	}
	want := "new: pets 1.0 r3 score 92.0 (l0)\nold: unchanged\nnew findings: 2 error, 0 warning, 0 info, 0 hint\n\nno changes\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestRenderVersionJSON(t *testing.T) {
	info := versionInfo{Version: "1.2.3", GitCommit: "abc"}
	var out bytes.Buffer
	if err := renderVersionJSON(&out, info, versionOptions{showHash: true, showDate: true}); err != nil {
		t.Fatal(err)
	}
	var got versionPayload
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := versionPayload{Tool: "specbridge", Version: "1.2.3", GitCommit: "abc", BuildDate: "unknown"}
	if got != want {
		t.Fatalf("payload = %+v, want %+v", got, want)
	}
}

func TestDefinitionCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pets.yaml")
	doc := "openapi: 3.0.0\npaths:\n  /pets:\n    get: {}\n  /pets/{petId}:\n    get: {}\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cmds := hostCommands(newAPIClient(context.Background(), nil), nil)

	got, err := cmds.Execute(context.Background(), "specbridge", "definition", []any{path, "/pets/7"})
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if got != (specdoc.Position{Line: 4, Column: 2}) {
		t.Fatalf("position = %+v", got)
	}
	if _, err := cmds.Execute(context.Background(), "specbridge", "definition", []any{path}); err == nil {
		t.Fatalf("expected error for missing api path")
	}
	if _, err := cmds.Execute(context.Background(), "specbridge", "definition", []any{path, "/stores"}); !errors.Is(err, specdoc.ErrNoDefinition) {
		t.Fatalf("expected ErrNoDefinition, got %v", err)
	}
}
