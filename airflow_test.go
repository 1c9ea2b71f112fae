package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAirflowFinalize(t *testing.T) {
	q := newTestQueue(t, BackendAirflow)
	a := submitOK(t, q, "echo A", &SubmitOptions{Name: "a"})
	submitOK(t, q, "echo 'B'", &SubmitOptions{Name: "b", Depends: []*Job{a}})

	artifacts, err := q.FinalizeText()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, q.SessionID+"_dag.py", artifacts[0].Fname)

	text := artifacts[0].Text
	assert.Contains(t, text, "from airflow import DAG")
	assert.Contains(t, text, `BashOperator(task_id="a"`)
	assert.Contains(t, text, `BashOperator(task_id="b"`)
	assert.Contains(t, text, "job_1.set_upstream(job_0)")
}

func TestAirflowCannotRun(t *testing.T) {
	q := newTestQueue(t, BackendAirflow)
	submitOK(t, q, "true", &SubmitOptions{Name: "a"})

	_, err := q.Run(RunOptions{Block: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "experimental")
}
