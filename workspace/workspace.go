// ABOUTME: Per-user workspace directory lifecycle plus the WorkspaceManager facade the orchestrator depends on.
// ABOUTME: Wraps store for history/log persistence and fsnotify for tree-version invalidation of the prompt cache.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/brassloop/conductor/eventmodel"
	"github.com/brassloop/conductor/store"
)

// Manager implements the WorkspaceManager capability (spec §6.4): per-user
// filesystem root plus the thin store-backed history/log/usage accessors the
// reason-act loop and history manager call through.
type Manager struct {
	root  string
	store *store.Store

	mu       sync.Mutex
	watchers map[string]*userWatch
}

type userWatch struct {
	version *atomic.Int64
	watcher *fsnotify.Watcher
}

// New constructs a Manager rooted at root, backed by st for all persisted
// state. root is created lazily per user by EnsureWorkspace.
func New(root string, st *store.Store) *Manager {
	return &Manager{root: root, store: st, watchers: map[string]*userWatch{}}
}

func (m *Manager) userDir(userID string) string {
	return filepath.Join(m.root, sanitizeUserID(userID))
}

func sanitizeUserID(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
}

// EnsureWorkspace creates the per-user directory tree (idempotent) and starts
// a watcher on it the first time it is touched.
func (m *Manager) EnsureWorkspace(userID string) (string, error) {
	dir := m.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: ensure %s: %w", userID, err)
	}
	m.ensureWatch(userID, dir)
	return dir, nil
}

func (m *Manager) ensureWatch(userID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[userID]; ok {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("workspace: fsnotify unavailable for %s: %v", userID, err)
		return
	}
	if err := w.Add(dir); err != nil {
		log.Printf("workspace: watch %s: %v", dir, err)
		_ = w.Close()
		return
	}
	uw := &userWatch{version: &atomic.Int64{}}
	uw.watcher = w
	m.watchers[userID] = uw
	go m.pump(userID, uw)
}

func (m *Manager) pump(userID string, uw *userWatch) {
	for {
		select {
		case ev, ok := <-uw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				uw.version.Add(1)
			}
		case err, ok := <-uw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("workspace: watch error for %s: %v", userID, err)
		}
	}
}

// GetTreeVersion returns the monotonically increasing counter bumped on each
// filesystem change observed under the user's workspace, used as one
// component of the prompt composer's cache key (spec §4.7).
func (m *Manager) GetTreeVersion(userID string) int64 {
	m.mu.Lock()
	uw, ok := m.watchers[userID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return uw.version.Load()
}

// MarkTreeDirty manually bumps the tree version, for callers (tools) that
// mutate the workspace through means the watcher might miss or debounce.
func (m *Manager) MarkTreeDirty(userID string) {
	m.mu.Lock()
	uw, ok := m.watchers[userID]
	m.mu.Unlock()
	if ok {
		uw.version.Add(1)
	}
}

// TreeEntry is one node of a two-level workspace directory tree.
type TreeEntry struct {
	Name     string
	IsDir    bool
	Children []TreeEntry
}

// GetWorkspaceTree returns a two-level directory tree of the user's
// workspace root, consumed by the prompt composer's engineer-info block.
func (m *Manager) GetWorkspaceTree(userID string) ([]TreeEntry, error) {
	dir := m.userDir(userID)
	return readTree(dir, 2)
}

func readTree(dir string, depth int) ([]TreeEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]TreeEntry, 0, len(entries))
	for _, e := range entries {
		node := TreeEntry{Name: e.Name(), IsDir: e.IsDir()}
		if e.IsDir() && depth > 1 {
			children, err := readTree(filepath.Join(dir, e.Name()), depth-1)
			if err == nil {
				node.Children = children
			}
		}
		out = append(out, node)
	}
	return out, nil
}

// Root returns the absolute path to the user's workspace directory,
// injected verbatim into the prompt composer's engineer-info block.
func (m *Manager) Root(userID string) string {
	return m.userDir(userID)
}

// LoadHistory delegates to the store, bounded by limit (spec §6.4).
func (m *Manager) LoadHistory(userID, sessionID string, limit int) ([]store.ChatRow, error) {
	return m.store.LoadHistory(userID, sessionID, limit)
}

// AppendChat delegates to the store.
func (m *Manager) AppendChat(row store.ChatRow) (int64, error) {
	return m.store.AppendChat(row)
}

// AppendToolLog delegates to the store.
func (m *Manager) AppendToolLog(row store.ToolLogRow) error {
	return m.store.AppendToolLog(row)
}

// AppendArtifactLog delegates to the store.
func (m *Manager) AppendArtifactLog(row store.ArtifactLogRow) error {
	return m.store.AppendArtifactLog(row)
}

// LoadArtifactLogs delegates to the store.
func (m *Manager) LoadArtifactLogs(sessionID string, limit int) ([]store.ArtifactLogRow, error) {
	return m.store.LoadArtifactLogs(sessionID, limit)
}

// LoadSessionTokenUsage delegates to the store.
func (m *Manager) LoadSessionTokenUsage(userID, sessionID string) (eventmodel.Usage, error) {
	return m.store.LoadSessionTokenUsage(userID, sessionID)
}

// SaveSessionTokenUsage delegates to the store.
func (m *Manager) SaveSessionTokenUsage(userID, sessionID string, usage eventmodel.Usage) error {
	return m.store.SaveSessionTokenUsage(userID, sessionID, usage)
}

// AddSessionTokenUsage delegates to the store.
func (m *Manager) AddSessionTokenUsage(userID, sessionID string, delta eventmodel.Usage) (eventmodel.Usage, error) {
	return m.store.AddSessionTokenUsage(userID, sessionID, delta)
}

// LoadSessionSystemPrompt delegates to the store.
func (m *Manager) LoadSessionSystemPrompt(userID, sessionID string) (store.ChatRow, bool, error) {
	return m.store.LoadSessionSystemPrompt(userID, sessionID)
}

// SaveSessionSystemPrompt delegates to the store.
func (m *Manager) SaveSessionSystemPrompt(userID, sessionID, content, language string) error {
	return m.store.SaveSessionSystemPrompt(userID, sessionID, content, language)
}

// Close stops all per-user fsnotify watchers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, uw := range m.watchers {
		if err := uw.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
