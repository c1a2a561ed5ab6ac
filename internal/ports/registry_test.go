package ports

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/persistence"
	"github.com/brennhill/devhostd/internal/types"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func alwaysLive(string) (string, bool) { return "", true }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := persistence.NewPortStore(t.TempDir())
	r := New(store, alwaysLive, testLog())
	require.NoError(t, r.Load())
	return r
}

func TestAllocateAutoPicksFreePort(t *testing.T) {
	r := newTestRegistry(t)

	port, err := r.Allocate(types.RuntimeNode, 0, "sess-1", "web")
	require.Nil(t, err)
	assert.True(t, types.DefaultRanges()[types.RuntimeNode].Contains(port))
}

func TestAllocateRequestedPortConflictReturnsSuggestions(t *testing.T) {
	r := newTestRegistry(t)

	held, err := r.Allocate(types.RuntimeNode, 3005, "sess-1", "web")
	require.Nil(t, err)
	require.Equal(t, 3005, held)

	_, conflictErr := r.Allocate(types.RuntimeNode, 3005, "sess-2", "api")
	require.NotNil(t, conflictErr)
	assert.Equal(t, errs.KindPortError, conflictErr.Kind)
	assert.Equal(t, errs.SubPortInUse, conflictErr.Sub)

	suggestions, ok := conflictErr.Details["suggestions"].([]int)
	require.True(t, ok)
	assert.LessOrEqual(t, len(suggestions), 3)
	assert.NotEmpty(t, suggestions)
	for _, s := range suggestions {
		assert.NotEqual(t, 3005, s)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	port, err := r.Allocate(types.RuntimeNode, 0, "sess-1", "web")
	require.Nil(t, err)

	assert.Nil(t, r.Release(port))
	assert.Nil(t, r.Release(port))
}
