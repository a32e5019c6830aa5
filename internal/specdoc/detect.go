package specdoc

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the serialization of a spec document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json or yaml in any case; empty means json.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, true
	case "yaml", "yml":
		return FormatYAML, true
	}
	return "", false
}

// DetectFormat guesses the format of content from its first significant byte.
func DetectFormat(content []byte) Format {
	trimmed := bytes.TrimLeft(content, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// IsSpec reports whether content parses as JSON or YAML with a top-level
// swagger or openapi key.
func IsSpec(content []byte) bool {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return false
	}
	if doc == nil {
		return false
	}
	_, swagger := doc["swagger"]
	_, openapi := doc["openapi"]
	return swagger || openapi
}
