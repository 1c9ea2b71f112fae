package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemMB(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"30602", 30602},
		{"512MB", 512},
		{"8GB", 8192},
		{"32GB", 32768},
		{"1TB", 1048576},
	}
	for _, tc := range cases {
		got, err := parseMemMB(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseMemMB("")
	assert.Error(t, err)
	_, err = parseMemMB("lots")
	assert.Error(t, err)
	_, err = parseMemMB("-5")
	assert.Error(t, err)
}

func TestSlurmDependencyWiring(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	a := submitOK(t, q, "echo A", &SubmitOptions{Name: "a"})
	b := submitOK(t, q, "echo B", &SubmitOptions{Name: "b", Depends: []*Job{a}})
	c := submitOK(t, q, "echo C", &SubmitOptions{Name: "c"})
	submitOK(t, q, "echo D", &SubmitOptions{Name: "d", Depends: []*Job{b, c}})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	text := artifacts[0].Text

	assert.Contains(t, text, `"--dependency=afterok:${JOB_000}"`)
	assert.Contains(t, text, `"--dependency=afterok:${JOB_001}:${JOB_002}"`)

	// Every variable reference appears textually after its definition.
	for _, varname := range []string{"JOB_000", "JOB_001", "JOB_002"} {
		def := strings.Index(text, varname+"=$(")
		ref := strings.Index(text, "${"+varname+"}")
		require.GreaterOrEqual(t, def, 0)
		if ref >= 0 {
			assert.Less(t, def, ref, "%s must be defined before use", varname)
		}
	}
}

func TestSlurmSbatchFlags(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	submitOK(t, q, "python train.py", &SubmitOptions{
		Name: "train", CPUs: 8, GPUs: 2, Mem: "16GB",
		Partition: "gpu", Begin: "now+60",
	})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	text := artifacts[0].Text

	assert.Contains(t, text, `--job-name="train"`)
	assert.Contains(t, text, "--cpus-per-task=8")
	assert.Contains(t, text, "--mem=16384")
	assert.Contains(t, text, "--gpus=2")
	assert.Contains(t, text, "--partition=gpu")
	assert.Contains(t, text, "--begin=now+60")
	assert.Contains(t, text, "--parsable")
	assert.Contains(t, text, "--wrap 'python train.py'")
}

func TestSlurmPassthroughArgs(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	q.Slurm.ExtraArgs = []string{"--qos=high"}
	submitOK(t, q, "true", &SubmitOptions{Name: "a", SlurmArgs: []string{"--nice=10"}})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	text := artifacts[0].Text
	assert.Contains(t, text, "--qos=high")
	assert.Contains(t, text, "--nice=10")
}

func TestSlurmShellWrap(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	q.Slurm.Shell = "/bin/bash"
	submitOK(t, q, "echo $FOO && echo done", &SubmitOptions{Name: "a"})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	assert.Contains(t, artifacts[0].Text, "/bin/bash -c ")
}

func TestSlurmDefaultPartition(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	q.Slurm.Partition = "community"
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})
	submitOK(t, q, "true", &SubmitOptions{Name: "b", Partition: "debug"})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	text := artifacts[0].Text
	assert.Contains(t, text, "--partition=community")
	assert.Contains(t, text, "--partition=debug")
}

func TestParseSinfoStates(t *testing.T) {
	// slurm 19.x: bare states. 21.x/23.x append markers.
	cases := []struct {
		out    string
		usable bool
	}{
		{"idle\n", true},
		{"idle*\n", true},
		{"mixed#\nallocated\n", true},
		{"down*\n", false},
		{"down*\ndrained~\n", false},
		{"drain\ndraining!\n", false},
		{"down\ndrained\nidle~\n", true},
		{"\n", false},
	}
	for _, tc := range cases {
		states := parseSinfoStates(tc.out)
		assert.Equal(t, tc.usable, anyNodeUsable(states), "%q", tc.out)
	}
}

func TestMapSlurmState(t *testing.T) {
	assert.Equal(t, StatePending, mapSlurmState("PD"))
	assert.Equal(t, StateStarted, mapSlurmState("R"))
	assert.Equal(t, StatePassed, mapSlurmState("CD"))
	assert.Equal(t, StateFailed, mapSlurmState("F"))
	assert.Equal(t, StateFailed, mapSlurmState("TO"))
	assert.Equal(t, StateFailed, mapSlurmState("CA"))
	assert.Equal(t, StatePassed, mapSlurmState("COMPLETED"))
	assert.Equal(t, StateFailed, mapSlurmState("CANCELLED+"))
}

func TestParseSqueueOutput(t *testing.T) {
	out := "123 a R\n124 b PD\n125 c CD\n"
	states := parseSqueueOutput(out)
	assert.Equal(t, StateStarted, states["a"])
	assert.Equal(t, StatePending, states["b"])
	assert.Equal(t, StatePassed, states["c"])
}

func TestParseSacctOutput(t *testing.T) {
	out := "a COMPLETED\nb FAILED\nc TIMEOUT\n"
	states := parseSacctOutput(out)
	assert.Equal(t, StatePassed, states["a"])
	assert.Equal(t, StateFailed, states["b"])
	assert.Equal(t, StateFailed, states["c"])
}

func TestSlurmExcludeTags(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	q.ExcludeTags = []string{"boilerplate"}
	a := submitOK(t, q, "echo setup", &SubmitOptions{Name: "setup", Tags: []string{"boilerplate"}})
	submitOK(t, q, "echo work", &SubmitOptions{Name: "work", Depends: []*Job{a}})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	text := artifacts[0].Text
	assert.NotContains(t, text, "echo setup")
	assert.Contains(t, text, "echo work")
	// The edge into the excluded job dissolves instead of dangling.
	assert.NotContains(t, text, "--dependency")
}

func TestSlurmHeaderCommands(t *testing.T) {
	q := newTestQueue(t, BackendSlurm)
	q.AddHeaderCommand("source venv/bin/activate")
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	assert.Contains(t, artifacts[0].Text, "source venv/bin/activate && sbatch")
}
