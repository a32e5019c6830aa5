package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"specbridge/internal/config"
)

// AuthError wraps a failure to obtain an oauth access token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = ": " + strings.ToLower(e.Err.Error())
	}
	return "Could not connect to oauth endpoint" + msg + ", please check your oauth settings"
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err came from the oauth token exchange. Errors
// that crossed the bridge lose their type, so the message is checked too.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	return strings.Contains(err.Error(), "oauth")
}

type cachedToken struct {
	tok     *oauth2.Token
	renewAt time.Time
}

// tokenCache keeps client-credentials tokens until half their lifetime has
// passed.
type tokenCache struct {
	http *http.Client
	now  func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

func newTokenCache(hc *http.Client) *tokenCache {
	return &tokenCache{http: hc, now: time.Now, tokens: make(map[string]cachedToken)}
}

func (c *tokenCache) token(ctx context.Context, a config.Auth, useCache bool) (*oauth2.Token, error) {
	key := a.TokenURL + "\x00" + a.ClientID + "\x00" + a.ClientSecret
	now := c.now()
	if useCache {
		c.mu.Lock()
		ct, ok := c.tokens[key]
		c.mu.Unlock()
		if ok && now.Before(ct.renewAt) {
			return ct.tok, nil
		}
	}

	cfg := clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	if err != nil {
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}

	renewAt := now
	if !tok.Expiry.IsZero() {
		renewAt = now.Add(tok.Expiry.Sub(now) / 2)
	}
	c.mu.Lock()
	c.tokens[key] = cachedToken{tok: tok, renewAt: renewAt}
	c.mu.Unlock()
	return tok, nil
}
