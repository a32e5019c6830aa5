// Package uploads remembers which local files were uploaded as spec
// revisions, and to which endpoint.
package uploads

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"specbridge/internal/specdoc"
)

// bump when the snapshot layout changes; older snapshots are discarded
const snapshotSchema uint16 = 1

// Entry is the upload metadata of one local file.
type Entry struct {
	Query      specdoc.Query `json:"query" msgpack:"query"`
	Endpoint   string        `json:"endpoint" msgpack:"endpoint"`
	UploadedAt time.Time     `json:"uploadedAt" msgpack:"uploaded_at"`
	// ModTime is filled by All from the file on disk.
	ModTime time.Time `json:"mtime,omitempty" msgpack:"-"`
}

type snapshot struct {
	Schema  uint16
	Entries map[string]Entry
}

// Options configures a Store.
type Options struct {
	// Path of the msgpack state file. Empty keeps history in memory only.
	Path string
	// Endpoint returns the currently configured service endpoint.
	Endpoint func() string
	// OnChange runs after a notifying mutation, outside the store lock.
	OnChange func()
	Logger   *zap.Logger
}

// Store is the upload history. Entries recorded against another endpoint
// stay stored but are hidden by Get.
type Store struct {
	path     string
	endpoint func() string
	onChange func()
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// Open returns a store, restoring the state file at opts.Path if present.
func Open(opts Options) (*Store, error) {
	if opts.Endpoint == nil {
		opts.Endpoint = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		path:     opts.Path,
		endpoint: opts.Endpoint,
		onChange: opts.OnChange,
		log:      opts.Logger,
		now:      time.Now,
		entries:  make(map[string]Entry),
	}
	if s.path == "" {
		return s, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read upload history: %w", err)
	}
	if err := s.Restore(data); err != nil {
		s.log.Warn("discarding unreadable upload history", zap.String("path", s.path), zap.Error(err))
	}
	return s, nil
}

// DefaultPath is the state file location under the user cache directory.
func DefaultPath(app string) (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, app, "uploads.mp"), nil
}

func sameEndpoint(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// Set records that localPath was uploaded as q to the current endpoint.
func (s *Store) Set(localPath string, q specdoc.Query) {
	s.mu.Lock()
	s.entries[localPath] = Entry{Query: q, Endpoint: s.endpoint(), UploadedAt: s.now()}
	s.mu.Unlock()
	s.changed(true)
}

// Get returns the entry of localPath if it was uploaded to the current
// endpoint. Entries without an endpoint are dropped.
func (s *Store) Get(localPath string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[localPath]
	if ok && e.Endpoint == "" {
		delete(s.entries, localPath)
		s.mu.Unlock()
		s.changed(false)
		return Entry{}, false
	}
	s.mu.Unlock()
	if !ok || !sameEndpoint(e.Endpoint, s.endpoint()) {
		return Entry{}, false
	}
	return e, true
}

// All returns every entry whose file still exists, with its modification
// time. Entries for vanished files are removed.
func (s *Store) All() map[string]Entry {
	s.mu.Lock()
	out := make(map[string]Entry, len(s.entries))
	pruned := false
	for p, e := range s.entries {
		info, err := os.Stat(p)
		if err != nil {
			delete(s.entries, p)
			pruned = true
			continue
		}
		e.ModTime = info.ModTime()
		out[p] = e
	}
	s.mu.Unlock()
	if pruned {
		s.changed(false)
	}
	return out
}

// Paths returns the recorded paths in order, without touching the disk.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Delete forgets localPath. notify controls whether OnChange runs.
func (s *Store) Delete(localPath string, notify bool) {
	s.mu.Lock()
	_, ok := s.entries[localPath]
	delete(s.entries, localPath)
	s.mu.Unlock()
	if ok {
		s.changed(notify)
	}
}

func (s *Store) changed(notify bool) {
	if err := s.Save(); err != nil {
		s.log.Warn("failed to persist upload history", zap.Error(err))
	}
	if notify && s.onChange != nil {
		s.onChange()
	}
}

// Snapshot encodes the stored entries.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	snap := snapshot{Schema: snapshotSchema, Entries: make(map[string]Entry, len(s.entries))}
	for p, e := range s.entries {
		snap.Entries[p] = e
	}
	s.mu.Unlock()
	return msgpack.Marshal(&snap)
}

// Restore replaces the stored entries with a snapshot.
func (s *Store) Restore(data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Schema != snapshotSchema {
		return fmt.Errorf("upload history schema %d, want %d", snap.Schema, snapshotSchema)
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]Entry)
	}
	s.mu.Lock()
	s.entries = snap.Entries
	s.mu.Unlock()
	return nil
}

// Save writes the snapshot to the state file, replacing it atomically.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), "tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
