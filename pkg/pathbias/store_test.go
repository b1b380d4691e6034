package pathbias

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathbias.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	g := NewGuard("ABCDEF")
	g.Counters.CircAttempts = 42
	g.Counters.CircSuccesses = 40
	require.NoError(t, s.Save(g))

	loaded, err := s.Load("ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.Counters.CircAttempts)
	assert.Equal(t, 40.0, loaded.Counters.CircSuccesses)
}

func TestStoreLoadMissingReturnsZeroGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathbias.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	g, err := s.Load("nonexistent")
	require.NoError(t, err)
	assert.Equal(t, 0.0, g.Counters.CircAttempts)
}

func TestStoreLoadAllAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathbias.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(NewGuard("guardA")))
	require.NoError(t, s.Save(NewGuard("guardB")))

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete("guardA"))
	all, err = s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	_, ok := all["guardB"]
	assert.True(t, ok)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathbias.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	g := NewGuard("guardA")
	g.Counters.Timeouts = 3
	require.NoError(t, s.Save(g))
	require.NoError(t, s.Close())

	s2, err := OpenStore(path)
	require.NoError(t, err)
	defer s2.Close()
	loaded, err := s2.Load("guardA")
	require.NoError(t, err)
	assert.Equal(t, 3.0, loaded.Counters.Timeouts)
}
