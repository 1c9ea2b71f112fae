package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, kind BackendKind) *Queue {
	t.Helper()
	q, err := NewQueue(kind, "test-queue", t.TempDir())
	require.NoError(t, err)
	return q
}

func submitOK(t *testing.T, q *Queue, command string, opts *SubmitOptions) *Job {
	t.Helper()
	job, err := q.Submit(command, opts)
	require.NoError(t, err)
	return job
}

func TestSerialFinalizeText(t *testing.T) {
	q := newTestQueue(t, BackendSerial)
	q.Environ = map[string]string{"FOO": "bar", "BAZ": "with space"}
	q.AddHeaderCommand("echo header")
	a := submitOK(t, q, "echo A", &SubmitOptions{Name: "a"})
	submitOK(t, q, "echo B", &SubmitOptions{Name: "b", Depends: []*Job{a}})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	text := artifacts[0].Text

	assert.True(t, strings.HasPrefix(text, "#!/bin/bash\n"))
	assert.Contains(t, text, "export BAZ='with space'")
	assert.Contains(t, text, "export FOO=bar")
	assert.Contains(t, text, "echo header")
	assert.Contains(t, text, "### Command 1/2 - a")
	assert.Contains(t, text, "### Command 2/2 - b")
	// Finalize is pure: nothing written yet.
	_, err = os.Stat(q.SessionDir())
	assert.True(t, os.IsNotExist(err))
}

func TestSerialFinalizeCycleWritesNothing(t *testing.T) {
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "true", &SubmitOptions{Name: "a", DependNames: []string{"b"}})
	submitOK(t, q, "true", &SubmitOptions{Name: "b", DependNames: []string{"a"}})

	err := q.Write()
	require.Error(t, err)
	_, statErr := os.Stat(q.SessionDir())
	assert.True(t, os.IsNotExist(statErr), "no files may be written on a graph error")
}

func TestSerialLinearChainPasses(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	a := submitOK(t, q, "echo A", &SubmitOptions{Name: "a"})
	b := submitOK(t, q, "echo B", &SubmitOptions{Name: "b", Depends: []*Job{a}})
	submitOK(t, q, "echo C", &SubmitOptions{Name: "c", Depends: []*Job{b}})

	res, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Failed)

	for _, name := range []string{"a", "b", "c"} {
		assert.FileExists(t, filepath.Join(q.JobInfoDir(), name+".pass"))
		assert.NoFileExists(t, filepath.Join(q.JobInfoDir(), name+".fail"))
	}
	for _, st := range q.ReadState() {
		assert.Equal(t, StatePassed, st.State, st.Name)
	}
}

func TestSerialFailureSkipsDescendants(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	a := submitOK(t, q, "false", &SubmitOptions{Name: "a"})
	submitOK(t, q, "echo B", &SubmitOptions{Name: "b", Depends: []*Job{a}})
	submitOK(t, q, "echo C", &SubmitOptions{Name: "c"})

	res, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"a"}, res.Failed)

	assert.FileExists(t, filepath.Join(q.JobInfoDir(), "a.fail"))
	assert.NoFileExists(t, filepath.Join(q.JobInfoDir(), "b.pass"))
	assert.NoFileExists(t, filepath.Join(q.JobInfoDir(), "b.fail"))
	assert.FileExists(t, filepath.Join(q.JobInfoDir(), "c.pass"))

	stat, err := os.ReadFile(filepath.Join(q.JobInfoDir(), "b.stat"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(stat), "skipped "))

	states := make(map[string]JobState)
	for _, st := range q.ReadState() {
		states[st.Name] = st.State
	}
	assert.Equal(t, StateFailed, states["a"])
	assert.Equal(t, StateSkipped, states["b"])
	assert.Equal(t, StatePassed, states["c"])
}

func TestSerialTransitiveSkip(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	a := submitOK(t, q, "false", &SubmitOptions{Name: "a"})
	b := submitOK(t, q, "echo B", &SubmitOptions{Name: "b", Depends: []*Job{a}})
	submitOK(t, q, "echo C", &SubmitOptions{Name: "c", Depends: []*Job{b}})

	_, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)

	states := make(map[string]JobState)
	for _, st := range q.ReadState() {
		states[st.Name] = st.State
	}
	// A skipped ancestor skips the whole descendant chain.
	assert.Equal(t, StateFailed, states["a"])
	assert.Equal(t, StateSkipped, states["b"])
	assert.Equal(t, StateSkipped, states["c"])
}

func TestSerialJobLog(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "echo logged-line", &SubmitOptions{Name: "a", Log: true})

	_, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(q.LogDir(), "a.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "logged-line")
}

func TestSerialCapture(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "echo captured-output", &SubmitOptions{Name: "a"})

	res, err := q.Run(RunOptions{Block: true, Capture: true})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "captured-output")
}

func TestSerialStatFileFormat(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})
	submitOK(t, q, "exit 3", &SubmitOptions{Name: "b"})

	_, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)

	stat, err := os.ReadFile(filepath.Join(q.JobInfoDir(), "a.stat"))
	require.NoError(t, err)
	fields := strings.Fields(string(stat))
	require.Len(t, fields, 3)
	assert.Equal(t, "passed", fields[0])
	assert.Equal(t, "0", fields[2])

	stat, err = os.ReadFile(filepath.Join(q.JobInfoDir(), "b.stat"))
	require.NoError(t, err)
	fields = strings.Fields(string(stat))
	require.Len(t, fields, 3)
	assert.Equal(t, "failed", fields[0])
	assert.Equal(t, "3", fields[2])
}

func TestSerialQueueStateFile(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})
	submitOK(t, q, "false", &SubmitOptions{Name: "b"})

	_, err := q.Run(RunOptions{Block: true})
	require.NoError(t, err)

	data, err := os.ReadFile(q.StateFpath())
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"status": "done"`)
	assert.Contains(t, text, `"passed": 1`)
	assert.Contains(t, text, `"failed": 1`)
	assert.Contains(t, text, `"total": 2`)
}

func TestSerialNonBlockingReturnsPID(t *testing.T) {
	if !findExe("bash") {
		t.Skip("bash not available")
	}
	q := newTestQueue(t, BackendSerial)
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})

	res, err := q.Run(RunOptions{Block: false})
	require.NoError(t, err)
	assert.NotZero(t, res.PID)
}
