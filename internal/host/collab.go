package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DocumentWriter persists documents the view asks the host to save.
type DocumentWriter interface {
	WriteDocument(ctx context.Context, path string, content []byte) error
}

// FileWriter writes documents to disk through a temporary file in the same
// directory. An existing file keeps its permissions; new files get 0644.
type FileWriter struct{}

func (FileWriter) WriteDocument(_ context.Context, path string, content []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".specbridge-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// CommandExecutor runs host commands on behalf of the view.
type CommandExecutor interface {
	Execute(ctx context.Context, namespace, command string, args []any) (any, error)
}

// CommandFunc implements one command.
type CommandFunc func(ctx context.Context, args []any) (any, error)

// ErrUnknownCommand is returned for commands nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// Commands is a CommandExecutor over registered functions, addressed as
// "<namespace>.<command>".
type Commands struct {
	mu sync.RWMutex
	m  map[string]CommandFunc
}

func NewCommands() *Commands {
	return &Commands{m: make(map[string]CommandFunc)}
}

// Register adds fn under namespace and name, replacing any previous one.
func (c *Commands) Register(namespace, name string, fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[namespace+"."+name] = fn
}

// Names lists the registered commands.
func (c *Commands) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.m))
	for name := range c.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Commands) Execute(ctx context.Context, namespace, command string, args []any) (any, error) {
	c.mu.RLock()
	fn, ok := c.m[namespace+"."+command]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, namespace, command)
	}
	return fn(ctx, args)
}

// ObjectReader resolves a dotted path into host state.
type ObjectReader interface {
	ReadObject(path string) (any, error)
}

// ObjectTree is an ObjectReader over nested maps. Missing paths read as nil.
type ObjectTree map[string]any

func (t ObjectTree) ReadObject(path string) (any, error) {
	var cur any = map[string]any(t)
	if path == "" {
		return cur, nil
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if tree, isTree := cur.(ObjectTree); isTree {
				m = tree
			} else {
				return nil, nil
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

// SettingsOpener shows the settings surface to the user.
type SettingsOpener interface {
	OpenSettings(ctx context.Context) error
}

// SettingsOpenerFunc adapts a function to SettingsOpener.
type SettingsOpenerFunc func(ctx context.Context) error

func (f SettingsOpenerFunc) OpenSettings(ctx context.Context) error { return f(ctx) }
