// Package workspace hands out exclusively owned scratch directories and
// guarantees each one is removed exactly once.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Manager allocates per-job directories below a root.
type Manager struct {
	root string

	mu      sync.Mutex
	pending map[*Lease]*time.Timer
}

// NewManager returns a Manager rooted at root. The directory is created on
// first allocation.
func NewManager(root string) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ctrlscan-workspaces")
	}
	return &Manager{root: root, pending: make(map[*Lease]*time.Timer)}
}

// Root returns the directory leases are created in.
func (m *Manager) Root() string { return m.root }

// Lease is one allocated directory. Release removes it; only the first call
// (or scheduled release) has an effect.
type Lease struct {
	Path string

	m        *Manager
	once     sync.Once
	released atomic.Bool
	err      error
}

// Allocate creates a fresh directory whose name starts with prefix.
func (m *Manager) Allocate(prefix string) (*Lease, error) {
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(m.root, sanitize(prefix)+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	slog.Debug("Workspace allocated", "path", dir)
	return &Lease{Path: dir, m: m}, nil
}

// Release removes the directory now. It is safe to call more than once and
// concurrently with a scheduled release.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.released.Store(true)
		l.m.forget(l)
		l.err = os.RemoveAll(l.Path)
		if l.err != nil {
			slog.Warn("Failed to remove workspace", "path", l.Path, "error", l.err)
			return
		}
		slog.Debug("Workspace released", "path", l.Path)
	})
	return l.err
}

// ReleaseAfter schedules Release after delay. A non-positive delay releases
// immediately.
func (l *Lease) ReleaseAfter(delay time.Duration) {
	if delay <= 0 {
		_ = l.Release()
		return
	}
	if l.released.Load() {
		return
	}
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if _, ok := l.m.pending[l]; ok {
		return
	}
	l.m.pending[l] = time.AfterFunc(delay, func() {
		_ = l.Release()
		l.m.forget(l)
	})
}

// Pending returns how many scheduled releases have not fired yet.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush releases every lease with a pending scheduled release. Used on
// shutdown so no directory outlives the process.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.pending))
	for l, t := range m.pending {
		t.Stop()
		leases = append(leases, l)
	}
	m.mu.Unlock()

	for _, l := range leases {
		if ctx.Err() != nil {
			return
		}
		_ = l.Release()
	}
}

func (m *Manager) forget(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[l]; ok {
		t.Stop()
		delete(m.pending, l)
	}
}

func sanitize(prefix string) string {
	if prefix == "" {
		return "job"
	}
	out := make([]rune, 0, len(prefix))
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
