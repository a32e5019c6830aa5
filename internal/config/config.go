// Package config loads specbridge.toml and validates the service settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the settings file looked up from the working directory upward.
const FileName = "specbridge.toml"

// AuthType selects how requests to the analysis service authenticate.
type AuthType string

const (
	AuthNone  AuthType = "none"
	AuthToken AuthType = "token"
	AuthOAuth AuthType = "oauth"
)

// ParseAuthType accepts the auth type names case-insensitively. Empty reads
// as AuthNone.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthNone, nil
	case "token":
		return AuthToken, nil
	case "oauth":
		return AuthOAuth, nil
	}
	return "", fmt.Errorf("unknown auth type %q", s)
}

// Auth holds the credentials for the configured AuthType.
type Auth struct {
	Type         AuthType `toml:"type" json:"authType"`
	TokenType    string   `toml:"token_type" json:"tokenType,omitempty"`
	TokenValue   string   `toml:"token_value" json:"tokenValue,omitempty"`
	TokenURL     string   `toml:"token_url" json:"tokenURL,omitempty"`
	ClientID     string   `toml:"client_id" json:"clientID,omitempty"`
	ClientSecret string   `toml:"client_secret" json:"clientSecret,omitempty"`
}

// Settings is the active configuration. An empty Endpoint selects local mode:
// documents are still linted locally but nothing is fetched remotely.
type Settings struct {
	Endpoint string `toml:"endpoint" json:"endpoint"`
	Auth     Auth   `toml:"auth" json:"auth"`
	Format   string `toml:"format" json:"format,omitempty"`
}

// Local reports whether no remote endpoint is configured.
func (s Settings) Local() bool { return s.Endpoint == "" }

// Normalize trims every value and canonicalizes the auth type and format.
func (s *Settings) Normalize() error {
	s.Endpoint = strings.TrimRight(strings.TrimSpace(s.Endpoint), "/")
	s.Format = strings.ToLower(strings.TrimSpace(s.Format))
	if s.Format == "" {
		s.Format = "json"
	}
	if s.Format != "json" && s.Format != "yaml" {
		return fmt.Errorf("unknown spec format %q", s.Format)
	}
	a := &s.Auth
	t, err := ParseAuthType(string(a.Type))
	if err != nil {
		return err
	}
	a.Type = t
	a.TokenType = strings.TrimSpace(a.TokenType)
	a.TokenValue = strings.TrimSpace(a.TokenValue)
	a.TokenURL = strings.TrimSpace(a.TokenURL)
	a.ClientID = strings.TrimSpace(a.ClientID)
	a.ClientSecret = strings.TrimSpace(a.ClientSecret)
	return nil
}

// Find walks up from startDir to locate specbridge.toml.
func Find(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load parses and normalizes the settings file at path.
func Load(path string) (Settings, error) {
	var s Settings
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	if err := s.Normalize(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Discover loads the settings file found from startDir, or returns zero
// settings (local mode) and an empty path when there is none.
func Discover(startDir string) (Settings, string, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Settings{}, "", err
	}
	if !ok {
		s := Settings{}
		_ = s.Normalize()
		return s, "", nil
	}
	s, err := Load(path)
	if err != nil {
		return Settings{}, path, err
	}
	return s, path, nil
}

// CheckError is a settings problem worth showing to the user.
type CheckError struct {
	Message string
	OAuth   bool // the problem is with the oauth settings
	Err     error
}

func (e *CheckError) Error() string { return e.Message }

func (e *CheckError) Unwrap() error { return e.Err }

// Pinger verifies the endpoint is reachable with the configured credentials.
type Pinger func(ctx context.Context) error

// Check validates s and, when complete, pings the endpoint. Local mode is
// always valid. A nil ping skips the connectivity check.
func Check(ctx context.Context, s Settings, ping Pinger) error {
	if s.Local() {
		return nil
	}
	switch s.Auth.Type {
	case AuthToken:
		if s.Auth.TokenValue == "" {
			return &CheckError{Message: "Token value is required as your auth type setting is 'Token'"}
		}
	case AuthOAuth:
		var missing []string
		if s.Auth.TokenURL == "" {
			missing = append(missing, "Token URL")
		}
		if s.Auth.ClientID == "" {
			missing = append(missing, "Client ID")
		}
		if s.Auth.ClientSecret == "" {
			missing = append(missing, "Client Secret")
		}
		if len(missing) > 0 {
			verb := "is"
			if len(missing) > 1 {
				verb = "are"
			}
			return &CheckError{
				Message: fmt.Sprintf("%s %s required as your auth type setting is 'OAuth'", strings.Join(missing, ","), verb),
				OAuth:   true,
			}
		}
	}
	if ping == nil {
		return nil
	}
	if err := ping(ctx); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "oauth") {
			return &CheckError{Message: msg, OAuth: true, Err: err}
		}
		return &CheckError{
			Message: fmt.Sprintf("Could not connect to endpoint URL: %s, please check your settings", strings.ToLower(msg)),
			Err:     err,
		}
	}
	return nil
}
