package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"specbridge/internal/config"
)

func settingsFor(srv *httptest.Server, auth config.Auth) func() config.Settings {
	s := config.Settings{Endpoint: srv.URL, Auth: auth}
	_ = s.Normalize()
	return func() config.Settings { return s }
}

func TestTokenAuthAndEndpointPrefix(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"name_id":"completeness","title":"Completeness"},{"name_id":"security","title":"Security"}]`))
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{Type: "token", TokenType: "Bearer", TokenValue: "abc"})})
	analyzers, err := c.Analyzers(context.Background())
	if err != nil {
		t.Fatalf("Analyzers: %v", err)
	}
	if gotAuth != "Bearer abc" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/analyzers" || gotQuery != "status=active" {
		t.Fatalf("unexpected request %s?%s", gotPath, gotQuery)
	}
	if len(analyzers) != 1 || analyzers[0].NameID != "completeness" {
		t.Fatalf("security analyzer not filtered: %+v", analyzers)
	}
}

func TestGetResponsesAreCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{})})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Services(ctx); err != nil {
			t.Fatalf("Services: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("Ping should bypass the cache")
	}
	if _, err := c.DocDiff(ctx, "a", "b"); err != nil {
		t.Fatalf("DocDiff: %v", err)
	}
	if _, err := c.DocDiff(ctx, "a", "b"); err != nil {
		t.Fatalf("DocDiff: %v", err)
	}
	if hits.Load() != 4 {
		t.Fatalf("POST requests must not be cached, got %d calls", hits.Load())
	}
}

func TestCacheExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{}), CacheTTL: 20 * time.Millisecond})
	if _, err := c.Services(context.Background()); err != nil {
		t.Fatalf("Services: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := c.Services(context.Background()); err != nil {
		t.Fatalf("Services: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected the cached entry to expire, got %d calls", hits.Load())
	}
}

func TestClientRunsNoBackgroundGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := New(Options{CacheTTL: time.Millisecond})
	c.PurgeCache()
}

func TestCacheKeyIncludesHeaders(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(r.Header.Get("X-Tenant"))
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{})})
	ctx := context.Background()
	get := func(tenant string) string {
		t.Helper()
		req := Request{Path: "/services"}
		if tenant != "" {
			req.Headers = map[string]string{"x-tenant": tenant}
		}
		resp, err := c.Do(ctx, req)
		if err != nil {
			t.Fatalf("Do(%q): %v", tenant, err)
		}
		var got string
		if err := json.Unmarshal(resp.Body, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	if got := get("a"); got != "a" {
		t.Fatalf("tenant a got %q", got)
	}
	if got := get("b"); got != "b" {
		t.Fatalf("tenant b served from tenant a's cache entry: %q", got)
	}
	if got := get(""); got != "" {
		t.Fatalf("headerless call served a tenant reply: %q", got)
	}
	if got := get("a"); got != "a" || hits.Load() != 3 {
		t.Fatalf("repeat call should hit the cache: got %q after %d calls", got, hits.Load())
	}
}

func TestLocalModeRejectsRelativeRequests(t *testing.T) {
	c := New(Options{})
	if _, err := c.Services(context.Background()); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such spec", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{})})
	_, err := c.Spec(context.Background(), "svc", "missing")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Method != http.MethodGet {
		t.Fatalf("unexpected error %+v", se)
	}
}

func TestAnalyzeSpecCoalesces(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"spec_score":87,"results":{}}`))
	}))
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{})})
	p := AnalyzeParams{Doc: "openapi: 3.0.0", ServiceID: "petstore", SpecID: "s1"}

	var wg sync.WaitGroup
	results := make([]*AnalyzeResult, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.AnalyzeSpec(context.Background(), p)
		}(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.analyze.Waiting(p.ServiceID+p.SpecID) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callers never joined")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("expected one analyze call, got %d", hits.Load())
	}
	if runs, joined := c.AnalyzeStats(); runs != 1 || joined != 2 {
		t.Fatalf("analyze stats = %d runs, %d joined", runs, joined)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] || results[i].SpecScore != "87" {
			t.Fatalf("caller %d got a different result", i)
		}
	}
}

func TestOAuthTokenReused(t *testing.T) {
	var tokenCalls atomic.Int32
	var seen []string
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "cid" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "t1", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Options{
		HTTPClient: srv.Client(),
		Settings:   settingsFor(srv, config.Auth{Type: "oauth", TokenURL: srv.URL + "/token", ClientID: "cid", ClientSecret: "secret"}),
	})
	ctx := context.Background()
	if _, err := c.Services(ctx); err != nil {
		t.Fatalf("Services: %v", err)
	}
	c.PurgeCache()
	if _, err := c.Services(ctx); err != nil {
		t.Fatalf("Services: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("expected the token to be reused, got %d token calls", tokenCalls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for _, h := range seen {
		if h != "Bearer t1" {
			t.Fatalf("unexpected authorization %q", h)
		}
	}
}

func TestOAuthFailureIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Options{Settings: settingsFor(srv, config.Auth{Type: "oauth", TokenURL: srv.URL + "/token", ClientID: "cid", ClientSecret: "wrong"})})
	err := c.Ping(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if IsAuthError(errors.New("connection refused")) {
		t.Fatalf("plain errors are not auth errors")
	}
}

func TestScoreAcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A Score `json:"a"`
		B Score `json:"b"`
		C Score `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":92.5,"b":"81","c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != "92.5" || v.B != "81" || v.C != "" {
		t.Fatalf("unexpected scores %+v", v)
	}
	if v.A.Float() != 92.5 {
		t.Fatalf("Float() = %v", v.A.Float())
	}
}
