// Package apiclient talks to the API analysis service on behalf of the host.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"specbridge/internal/coalesce"
	"specbridge/internal/config"
	"specbridge/internal/trace"
)

const (
	// DefaultTimeout bounds every service call.
	DefaultTimeout = 120 * time.Second
	// DefaultCacheTTL is how long GET responses are reused.
	DefaultCacheTTL = 120 * time.Second

	cacheSize = 256
)

// ErrNoEndpoint is returned for relative requests in local mode.
var ErrNoEndpoint = errors.New("no endpoint configured")

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// Request is one service call. Paths starting with "/" are resolved against
// the configured endpoint.
type Request struct {
	Method  string
	Path    string
	Params  map[string]string
	Headers map[string]string
	Body    any // json.RawMessage is sent verbatim
	NoCache bool
}

// Response is a decoded service reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Options configures a Client.
type Options struct {
	// Settings returns the live configuration; it is read on every call so
	// a reload takes effect immediately.
	Settings   func() config.Settings
	HTTPClient *http.Client
	Timeout    time.Duration
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// cachedResponse is a GET reply and the moment it goes stale. Entries expire
// on lookup; the client runs no background goroutine.
type cachedResponse struct {
	resp    *Response
	expires time.Time
}

// Client issues authenticated calls to the analysis service.
type Client struct {
	settings func() config.Settings
	http     *http.Client
	timeout  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer

	cache    *lru.Cache[string, cachedResponse]
	cacheTTL time.Duration
	tokens  *tokenCache
	analyze *coalesce.Group[*AnalyzeResult]
}

func New(opts Options) *Client {
	if opts.Settings == nil {
		opts.Settings = func() config.Settings { return config.Settings{} }
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	cache, _ := lru.New[string, cachedResponse](cacheSize)
	return &Client{
		settings: opts.Settings,
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		tracer:   opts.Tracer,
		cache:    cache,
		cacheTTL: opts.CacheTTL,
		tokens:   newTokenCache(opts.HTTPClient),
		analyze:  coalesce.New[*AnalyzeResult]("analyze", opts.Logger),
	}
}

// Settings returns the configuration the next call will use.
func (c *Client) Settings() config.Settings { return c.settings() }

// PurgeCache drops every cached GET response.
func (c *Client) PurgeCache() { c.cache.Purge() }

func (c *Client) resolve(s config.Settings, req Request) (string, error) {
	target := req.Path
	if strings.HasPrefix(target, "/") {
		if s.Local() {
			return "", ErrNoEndpoint
		}
		target = s.Endpoint + target
	}
	if len(req.Params) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	q := u.Query()
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, req.Params[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Do performs req. Successful GET responses are cached per URL and
// credentials unless NoCache is set.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	s := c.settings()
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(s, req)
	if err != nil {
		return nil, err
	}

	cacheKey := ""
	if method == http.MethodGet && !req.NoCache {
		cacheKey = cacheKeyFor(s, target, req.Headers)
		if resp, ok := c.cached(cacheKey); ok {
			trace.Point(c.tracer, trace.ScopeDetail, "http-cache-hit", target, trace.ParentFromContext(ctx))
			return resp, nil
		}
	}

	span := trace.Begin(c.tracer, trace.ScopeRequest, "http "+method, trace.ParentFromContext(ctx)).
		WithExtra("url", target)
	resp, err := c.roundTrip(ctx, s, method, target, req)
	if err != nil {
		span.End(err.Error())
		c.log.Debug("service call failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
		return nil, err
	}
	span.End(http.StatusText(resp.StatusCode))
	if cacheKey != "" {
		c.cache.Add(cacheKey, cachedResponse{resp: resp, expires: time.Now().Add(c.cacheTTL)})
	}
	return resp, nil
}

func (c *Client) cached(key string) (*Response, bool) {
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.cache.Remove(key)
		return nil, false
	}
	return e.resp, true
}

// cacheKeyFor identifies a GET by URL, credentials and explicit headers.
func cacheKeyFor(s config.Settings, target string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(target)
	for _, part := range []string{string(s.Auth.Type), s.Auth.TokenValue, s.Auth.ClientID} {
		b.WriteByte(0)
		b.WriteString(part)
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteByte(0)
		b.WriteString(http.CanonicalHeaderKey(k))
		b.WriteByte('=')
		b.WriteString(headers[k])
	}
	return b.String()
}

func (c *Client) roundTrip(ctx context.Context, s config.Settings, method, target string, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		var data []byte
		switch b := req.Body.(type) {
		case json.RawMessage:
			data = b
		case []byte:
			data = b
		default:
			var err error
			if data, err = json.Marshal(b); err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
		}
		body = bytes.NewReader(data)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	if err := c.authorize(ctx, s, hr, !req.NoCache); err != nil {
		return nil, err
	}

	hresp, err := c.http.Do(hr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout of %dms exceeded: %w", c.timeout.Milliseconds(), err)
		}
		return nil, err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, target, err)
	}
	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: target, StatusCode: hresp.StatusCode, Body: data}
	}
	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func (c *Client) authorize(ctx context.Context, s config.Settings, hr *http.Request, useCache bool) error {
	if s.Local() || hr.Header.Get("Authorization") != "" {
		return nil
	}
	switch s.Auth.Type {
	case config.AuthToken:
		if s.Auth.TokenValue == "" {
			return nil
		}
		value := s.Auth.TokenValue
		if s.Auth.TokenType != "" {
			value = s.Auth.TokenType + " " + value
		}
		hr.Header.Set("Authorization", value)
	case config.AuthOAuth:
		if s.Auth.TokenURL == "" || s.Auth.ClientID == "" || s.Auth.ClientSecret == "" {
			return nil
		}
		tok, err := c.tokens.token(ctx, s.Auth, useCache)
		if err != nil {
			return &AuthError{Err: err}
		}
		tok.SetAuthHeader(hr)
	}
	return nil
}

// DoJSON performs req and decodes the reply body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.Path, err)
	}
	return nil
}
