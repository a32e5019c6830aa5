package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff     Level = iota
	LevelHost          // host lifecycle only
	LevelRequest       // + protocol requests and remote fetches
	LevelSource        // + aggregation sources
	LevelDebug         // everything
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelHost:
		return "host"
	case LevelRequest:
		return "request"
	case LevelSource:
		return "source"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a flag value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff, nil
	case "host":
		return LevelHost, nil
	case "request":
		return LevelRequest, nil
	case "source":
		return LevelSource, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|host|request|source|debug)", s)
	}
}

// ShouldEmit reports whether events of scope pass this level.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelHost:
		return scope <= ScopeHost
	case LevelRequest:
		return scope <= ScopeRequest
	case LevelSource:
		return scope <= ScopeSource
	case LevelDebug:
		return true
	}
	return false
}
