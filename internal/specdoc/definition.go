package specdoc

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Position is a 0-based line/column in a document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"character"`
}

// ErrNoDefinition is returned when no path template matches.
var ErrNoDefinition = errors.New("no matching path definition")

// Definition locates the `paths` entry that serves apiPath. Templated
// segments such as {petId} match any single segment; when several templates
// match, the longest one wins.
func Definition(content []byte, apiPath string) (Position, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return Position{}, fmt.Errorf("parse spec: %w", err)
	}
	paths := mappingValue(documentBody(&root), "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return Position{}, ErrNoDefinition
	}

	var best *yaml.Node
	for i := 0; i+1 < len(paths.Content); i += 2 {
		key := paths.Content[i]
		if !matchTemplate(key.Value, apiPath) {
			continue
		}
		if best == nil || len(key.Value) > len(best.Value) {
			best = key
		}
	}
	if best == nil {
		return Position{}, ErrNoDefinition
	}
	return Position{Line: max(best.Line-1, 0), Column: max(best.Column-1, 0)}, nil
}

func documentBody(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return n.Content[0]
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func matchTemplate(template, apiPath string) bool {
	if i := strings.IndexAny(apiPath, "?#"); i >= 0 {
		apiPath = apiPath[:i]
	}
	ts := strings.Split(strings.Trim(template, "/"), "/")
	ps := strings.Split(strings.Trim(apiPath, "/"), "/")
	if len(ts) != len(ps) {
		return false
	}
	for i, seg := range ts {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if ps[i] == "" {
				return false
			}
			continue
		}
		if seg != ps[i] {
			return false
		}
	}
	return true
}
