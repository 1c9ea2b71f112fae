package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) {
	t.Helper()
	require.NoError(t, initDB(t.TempDir()))
	t.Cleanup(func() { CloseDB() })
}

func TestStoreRoundTrip(t *testing.T) {
	setupDB(t)

	require.NoError(t, CreateQueueRecord("pipeline", "source env.sh"))
	require.NoError(t, AppendQueueJob("pipeline", storedJob{
		Name: "fetch", Command: "curl -O http://example.com/data",
	}))
	require.NoError(t, AppendQueueJob("pipeline", storedJob{
		Name: "crunch", Command: "python crunch.py", Depends: []string{"fetch"}, Tags: []string{"cpu"},
	}))

	header, jobs, err := LoadQueueRecord("pipeline")
	require.NoError(t, err)
	assert.Equal(t, "source env.sh", header)
	require.Len(t, jobs, 2)
	assert.Equal(t, "fetch", jobs[0].Name)
	assert.Equal(t, "crunch", jobs[1].Name)
	assert.Equal(t, []string{"fetch"}, jobs[1].Depends)
	assert.Equal(t, []string{"cpu"}, jobs[1].Tags)
}

func TestStoreNewResetsQueue(t *testing.T) {
	setupDB(t)

	require.NoError(t, CreateQueueRecord("q", ""))
	require.NoError(t, AppendQueueJob("q", storedJob{Command: "echo old"}))
	require.NoError(t, CreateQueueRecord("q", "new header"))

	header, jobs, err := LoadQueueRecord("q")
	require.NoError(t, err)
	assert.Equal(t, "new header", header)
	assert.Empty(t, jobs)
}

func TestStoreAppendToMissingQueue(t *testing.T) {
	setupDB(t)

	err := AppendQueueJob("ghost", storedJob{Command: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such queue")
}

func TestStoreLoadMissingQueue(t *testing.T) {
	setupDB(t)

	_, _, err := LoadQueueRecord("ghost")
	require.Error(t, err)
}

func TestStoreListQueueNames(t *testing.T) {
	setupDB(t)

	require.NoError(t, CreateQueueRecord("beta", ""))
	require.NoError(t, CreateQueueRecord("alpha", ""))

	names, err := ListQueueNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}
