package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateIsExclusive(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.Allocate("job-1")
	require.NoError(t, err)
	b, err := m.Allocate("job-1")
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
	assert.DirExists(t, a.Path)
	assert.Equal(t, m.Root(), filepath.Dir(a.Path))
}

func TestReleaseRunsOnce(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Allocate("job")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(l.Path, "f"), []byte("x"), 0o600))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Release()
		}()
	}
	wg.Wait()

	assert.NoDirExists(t, l.Path)

	// A directory recreated at the same path after release must survive a
	// late second release.
	require.NoError(t, os.MkdirAll(l.Path, 0o700))
	require.NoError(t, l.Release())
	assert.DirExists(t, l.Path)
}

func TestReleaseAfterDelay(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Allocate("job")
	require.NoError(t, err)

	l.ReleaseAfter(20 * time.Millisecond)
	l.ReleaseAfter(time.Hour) // ignored, already scheduled
	assert.Equal(t, 1, m.Pending())
	assert.DirExists(t, l.Path)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(l.Path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Pending())
}

func TestExplicitReleaseCancelsSchedule(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Allocate("job")
	require.NoError(t, err)

	l.ReleaseAfter(time.Hour)
	require.NoError(t, l.Release())
	assert.Equal(t, 0, m.Pending())
	assert.NoDirExists(t, l.Path)
}

func TestReleaseAfterReleaseIsNoop(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Allocate("job")
	require.NoError(t, err)

	require.NoError(t, l.Release())
	l.ReleaseAfter(time.Hour)
	assert.Equal(t, 0, m.Pending())
}

func TestFlush(t *testing.T) {
	m := NewManager(t.TempDir())
	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := m.Allocate("job")
		require.NoError(t, err)
		l.ReleaseAfter(time.Hour)
		leases = append(leases, l)
	}

	m.Flush(context.Background())

	assert.Equal(t, 0, m.Pending())
	for _, l := range leases {
		assert.NoDirExists(t, l.Path)
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "job", sanitize(""))
	assert.Equal(t, "a_b-c_1", sanitize("a/b-c.1"))
}
