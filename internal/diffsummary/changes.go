package diffsummary

import (
	"encoding/json"
	"fmt"
)

// ChangeTypes is the display order of change groups.
var ChangeTypes = []string{"added", "deleted", "modified", "deprecated"}

// Change is one entry of a diff result. Raw keeps the entry as the service
// sent it.
type Change struct {
	Path     string          `json:"path"`
	Method   string          `json:"method"`
	Breaking bool            `json:"breaking"`
	Raw      json.RawMessage `json:"-"`
}

// Group is the changes of one type.
type Group struct {
	Type     string
	Changes  []Change
	Breaking int
}

// Changes lists the groups of a diff result with every group that holds a
// breaking change first. With breakingOnly only breaking changes are kept and
// groups without any are dropped. total counts every breaking change.
func Changes(diff json.RawMessage, breakingOnly bool) (groups []Group, total int, err error) {
	if len(diff) == 0 || string(diff) == "null" {
		return nil, 0, nil
	}
	var envelope struct {
		Result struct {
			JSON map[string][]json.RawMessage `json:"json"`
		} `json:"result"`
	}
	if err := json.Unmarshal(diff, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode diff result: %w", err)
	}

	var breaking, rest []Group
	for _, typ := range ChangeTypes {
		items, ok := envelope.Result.JSON[typ]
		if !ok {
			continue
		}
		g := Group{Type: typ, Changes: make([]Change, 0, len(items))}
		for _, raw := range items {
			var c Change
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, 0, fmt.Errorf("decode %s change: %w", typ, err)
			}
			c.Raw = raw
			if c.Breaking {
				g.Breaking++
			}
			if breakingOnly && !c.Breaking {
				continue
			}
			g.Changes = append(g.Changes, c)
		}
		total += g.Breaking
		switch {
		case g.Breaking > 0:
			breaking = append(breaking, g)
		case !breakingOnly:
			rest = append(rest, g)
		}
	}
	return append(breaking, rest...), total, nil
}

// ScoreLevel buckets a spec score: l0 from 90 up, then one level per ten
// points down to l4 below 60.
func ScoreLevel(score float64) string {
	switch {
	case score >= 90:
		return "l0"
	case score >= 80:
		return "l1"
	case score >= 70:
		return "l2"
	case score >= 60:
		return "l3"
	default:
		return "l4"
	}
}
