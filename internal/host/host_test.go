package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
	"specbridge/internal/config"
	"specbridge/internal/diffsummary"
	"specbridge/internal/specdoc"
	"specbridge/internal/uploads"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	host   *Host
	view   *bridge.Protocol
	client *bridge.Client
	pushes chan *bridge.Request
}

func newHarness(t *testing.T, h *Host) *harness {
	t.Helper()
	hostEnd, viewEnd := bridge.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = h.Serve(ctx, hostEnd, nil)
	}()

	pushes := make(chan *bridge.Request, 64)
	view := bridge.New(viewEnd, bridge.Options{
		Timeout: 5 * time.Second,
		Handler: bridge.HandlerFunc(func(_ context.Context, _ *bridge.Protocol, req *bridge.Request) {
			pushes <- req
		}),
	})
	t.Cleanup(func() {
		cancel()
		<-served
		_ = view.Close()
		h.Close()
	})
	waitFor(t, func() bool { return h.Views() == 1 })
	return &harness{host: h, view: view, client: bridge.NewClient(view), pushes: pushes}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) nextPush(t *testing.T, typ bridge.MsgType) *bridge.Request {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case req := <-h.pushes:
			if req.Type == typ {
				return req
			}
		case <-timeout:
			t.Fatalf("no %s push received", typ)
			return nil
		}
	}
}

func noKeepAlive() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func TestUnroutedTypeIsIgnored(t *testing.T) {
	r := NewRouter(nil, nil)
	r.Handle(bridge.TypeGetActiveConfiguration, func(_ context.Context, p *bridge.Protocol, req *bridge.Request) error {
		return p.Reply(req, "cfg")
	})
	a, b := bridge.NewPipe()
	hostSide := bridge.New(a, bridge.Options{Handler: r})
	viewSide := bridge.New(b, bridge.Options{})
	defer hostSide.Close()
	defer viewSide.Close()

	ctx := context.Background()
	_, err := viewSide.Send(ctx, bridge.TypeAppIsReady, nil, bridge.WithTimeout(50*time.Millisecond))
	if !bridge.IsTimeout(err) {
		t.Fatalf("unrouted request should go unanswered, got %v", err)
	}
	var got string
	if err := viewSide.SendInto(ctx, bridge.TypeGetActiveConfiguration, nil, &got); err != nil || got != "cfg" {
		t.Fatalf("routed request failed: %q %v", got, err)
	}
}

func TestDuplicateInterceptorPanics(t *testing.T) {
	r := NewRouter(nil, nil)
	noop := func(context.Context, *bridge.Protocol, *bridge.Request) error { return nil }
	r.Handle(bridge.TypePersistDocument, noop)
	defer func() {
		if recover() == nil {
			t.Fatalf("second interceptor for one type was accepted")
		}
	}()
	r.Handle(bridge.TypePersistDocument, noop)
}

func TestConfigurationRequestAndPush(t *testing.T) {
	current := config.Settings{Endpoint: "https://api.example.com", Format: "json", Auth: config.Auth{Type: config.AuthNone}}
	h := newHarness(t, New(Options{Settings: func() config.Settings { return current }}))

	got, err := h.client.Configuration(context.Background())
	if err != nil {
		t.Fatalf("Configuration: %v", err)
	}
	if diff := cmp.Diff(current, got); diff != "" {
		t.Fatalf("configuration mismatch (-want +got):\n%s", diff)
	}

	next := current
	next.Endpoint = "https://other.example.com"
	h.host.ConfigurationChanged(next)
	var pushed config.Settings
	if err := h.nextPush(t, bridge.TypeConfigurationChanged).Decode(&pushed); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if pushed.Endpoint != next.Endpoint {
		t.Fatalf("pushed endpoint %q", pushed.Endpoint)
	}
}

func TestFetchRemoteResourceProxiesService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "kaput", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","q":"` + r.URL.Query().Get("page") + `"}`))
	}))
	defer srv.Close()

	settings := func() config.Settings { return config.Settings{Endpoint: srv.URL} }
	api := apiclient.New(apiclient.Options{Settings: settings, HTTPClient: noKeepAlive()})
	h := newHarness(t, New(Options{Service: api, Settings: settings}))

	ctx := context.Background()
	body, err := h.client.Fetch(ctx, bridge.FetchParams{URL: "/services", Params: map[string]string{"page": "2"}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"path":"/services","q":"2"}` {
		t.Fatalf("unexpected body %s", body)
	}

	_, err = h.client.Fetch(ctx, bridge.FetchParams{URL: "/broken"})
	var remote *bridge.RemoteOperationError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteOperationError, got %v", err)
	}
	if !strings.Contains(remote.Message, "status 500") {
		t.Fatalf("failure message lost: %q", remote.Message)
	}
}

func TestPersistDocumentWritesFile(t *testing.T) {
	h := newHarness(t, New(Options{}))
	path := filepath.Join(t.TempDir(), "petstore.yaml")

	res, err := h.client.Persist(context.Background(), bridge.PersistParams{FilePath: path, Content: "openapi: 3.0.0\n"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if res.Status != "ok" {
		t.Fatalf("unexpected status %q", res.Status)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "openapi: 3.0.0\n" {
		t.Fatalf("file not written: %q %v", data, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("new document mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestFileWriterKeepsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.yaml")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatal(err)
	}
	if err := (FileWriter{}).WriteDocument(context.Background(), path, []byte("new")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode = %v, want 0640", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil || len(entries) != 1 {
		t.Fatalf("temp file left behind: %v %v", entries, err)
	}
}

func TestExecuteHostCommandConvertsFileArgs(t *testing.T) {
	cmds := NewCommands()
	var got []any
	cmds.Register("window", "showTextDocument", func(_ context.Context, args []any) (any, error) {
		got = args
		return nil, nil
	})
	h := newHarness(t, New(Options{Commands: cmds}))

	ctx := context.Background()
	res, err := h.client.Execute(ctx, bridge.CommandParams{
		Command: "showTextDocument",
		Args:    []json.RawMessage{json.RawMessage(`"file:///work/pet.yaml"`), json.RawMessage(`3`)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `"ok"` {
		t.Fatalf("unexpected result %s", res)
	}
	if diff := cmp.Diff([]any{"/work/pet.yaml", float64(3)}, got); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}

	_, err = h.client.Execute(ctx, bridge.CommandParams{Command: "nope", Namespace: "commands"})
	var remote *bridge.RemoteOperationError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "unknown command") {
		t.Fatalf("expected unknown command failure, got %v", err)
	}
}

func TestReadHostObjectPath(t *testing.T) {
	tree := ObjectTree{"env": map[string]any{"appName": "specbridge", "shell": map[string]any{"name": "zsh"}}}
	h := newHarness(t, New(Options{Objects: tree}))
	ctx := context.Background()

	v, err := h.client.ReadObject(ctx, "env.shell.name")
	if err != nil || string(v) != `"zsh"` {
		t.Fatalf("ReadObject: %s %v", v, err)
	}
	v, err = h.client.ReadObject(ctx, "env.missing.deeper")
	if err != nil || len(v) != 0 && string(v) != "null" {
		t.Fatalf("missing path should read as null: %s %v", v, err)
	}
}

func TestUploadChangePushesHistory(t *testing.T) {
	local := filepath.Join(t.TempDir(), "pet.yaml")
	if err := os.WriteFile(local, []byte("openapi: 3.0.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var host *Host
	store, err := uploads.Open(uploads.Options{
		Endpoint: func() string { return "https://api.example.com" },
		OnChange: func() { host.UploadsChanged() },
	})
	if err != nil {
		t.Fatalf("uploads.Open: %v", err)
	}
	host = New(Options{Uploads: store})
	h := newHarness(t, host)

	ctx := context.Background()
	q := specdoc.Query{SpecID: "s9", ServiceName: "petstore", Version: "v1", Revision: "3"}
	if err := h.client.ReportUpload(ctx, bridge.UploadChange{Path: local, Query: q}); err != nil {
		t.Fatalf("ReportUpload: %v", err)
	}
	var history map[string]uploads.Entry
	if err := h.nextPush(t, bridge.TypeUploadHistoryUpdate).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if e, ok := history[local]; !ok || e.Query.SpecID != "s9" || e.Endpoint != "https://api.example.com" {
		t.Fatalf("unexpected history %+v", history)
	}

	if err := h.client.ReportUpload(ctx, bridge.UploadChange{Path: local, Remove: true}); err != nil {
		t.Fatalf("ReportUpload remove: %v", err)
	}
	history = nil
	if err := h.nextPush(t, bridge.TypeUploadHistoryUpdate).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("entry not removed: %+v", history)
	}
}

type diffService struct{}

func (diffService) Analyzers(context.Context) ([]apiclient.Analyzer, error) {
	return []apiclient.Analyzer{{NameID: "oas", Title: "OAS"}}, nil
}

func (diffService) AnalyzeSpec(context.Context, apiclient.AnalyzeParams) (*apiclient.AnalyzeResult, error) {
	return &apiclient.AnalyzeResult{SpecScore: "80"}, nil
}

func (diffService) SpecAnalyses(context.Context, string, string) ([]apiclient.AnalyzerResult, error) {
	return nil, nil
}

func (diffService) Spec(_ context.Context, serviceID, specID string) (*specdoc.Spec, error) {
	return &specdoc.Spec{ID: specID, ServiceID: serviceID, Doc: "{}"}, nil
}

func (diffService) SpecDiff(context.Context, string, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"result":{"json":{}}}`), nil
}

func (diffService) DocDiff(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"result":{"json":{}}}`), nil
}

// drainDiff reads n diff-summary-update pushes. Pushes are served
// concurrently, so they are put back in send order by id.
func (h *harness) drainDiff(t *testing.T, n int) []map[string]any {
	t.Helper()
	reqs := make([]*bridge.Request, 0, n)
	for len(reqs) < n {
		reqs = append(reqs, h.nextPush(t, bridge.TypeDiffSummaryUpdate))
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	payloads := make([]map[string]any, 0, n)
	for _, req := range reqs {
		var p map[string]any
		if err := req.Decode(&p); err != nil {
			t.Fatalf("decode diff push: %v", err)
		}
		payloads = append(payloads, p)
	}
	return payloads
}

func TestDiffSummaryStreamsAndReplaysOnReady(t *testing.T) {
	h := newHarness(t, New(Options{Diffs: diffsummary.NewBuilder(diffService{}, nil)}))
	ctx := context.Background()

	raw, err := h.client.FetchDiffSummary(ctx, bridge.DiffSummaryParams{
		NewSpec: bridge.SpecRef{Spec: &specdoc.Spec{ID: "n", ServiceID: "svc"}},
		OldSpec: bridge.SpecRef{Spec: &specdoc.Spec{ID: "o", ServiceID: "svc"}},
	})
	if err != nil {
		t.Fatalf("FetchDiffSummary: %v", err)
	}
	var started DiffStarted
	if err := json.Unmarshal(raw, &started); err != nil || started.Generation != 1 || started.Key != diffsummary.Key {
		t.Fatalf("unexpected ack %s %v", raw, err)
	}

	// loading, one partial per source, final
	first := h.drainDiff(t, 5)
	if first[0]["loading"] != true || first[0]["diffSummary"] != nil {
		t.Fatalf("first push is not a loading update: %v", first[0])
	}
	if diff := cmp.Diff(map[string]any{"loading": false}, first[4]); diff != "" {
		t.Fatalf("last push is not the final update (-want +got):\n%s", diff)
	}

	if err := h.client.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	replay := h.drainDiff(t, 5)
	if replay[0]["loading"] != true || replay[4]["loading"] != false {
		t.Fatalf("diff was not replayed: %v", replay)
	}
	if gen := h.host.Sessions().Generation(diffsummary.Key); gen != 2 {
		t.Fatalf("replay ran as generation %d", gen)
	}
	want := map[string]string{"views": "1", "pending": "0", "diff": "2", "documents": "0"}
	if diff := cmp.Diff(want, h.host.Stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
}

func TestGetSpecAnalysesBuildsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyzers":
			_, _ = w.Write([]byte(`[{"name_id":"oas","title":"OAS"},{"name_id":"drift","title":"Drift"}]`))
		case "/services/svc/specs/s1/analyses":
			_, _ = w.Write([]byte(`[
				{"analyzer":"oas","result":{"summary":{"stats":{"error":{"count":2}}}}},
				{"analyzer":"drift","result":{"summary":{"stats":{"info":{"count":1}}}}}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	settings := func() config.Settings { return config.Settings{Endpoint: srv.URL} }
	api := apiclient.New(apiclient.Options{Settings: settings, HTTPClient: noKeepAlive()})
	h := newHarness(t, New(Options{Service: api, Settings: settings}))

	var report struct {
		Compliance struct {
			Summary map[string]int `json:"summary"`
		} `json:"compliance"`
		Drift struct {
			Summary map[string]int `json:"summary"`
		} `json:"drift"`
	}
	err := h.client.SpecAnalyses(context.Background(), bridge.SpecAnalysesParams{SpecID: "s1", ServiceID: "svc"}, &report)
	if err != nil {
		t.Fatalf("SpecAnalyses: %v", err)
	}
	if report.Compliance.Summary["error"] != 2 || report.Drift.Summary["info"] != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}
