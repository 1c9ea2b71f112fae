package main

import (
	"fmt"
	"strings"
)

// finalizeAirflow emits a python DAG definition skeleton: one BashOperator
// per job plus the upstream edges. Experimental - the skeleton is meant to
// be dropped into an airflow dags folder and adjusted, not executed by cmdq.
func (q *Queue) finalizeAirflow(ordered []*Job) string {
	script := []string{
		fmt.Sprintf("# DAG skeleton written by cmdq %s", cmdqVersion),
		"from airflow import DAG",
		"from airflow.operators.bash import BashOperator",
		"",
		fmt.Sprintf("with DAG(dag_id=%q, schedule=None, catchup=False) as dag:", q.SessionID),
	}

	varnames := make(map[*Job]string, len(ordered))
	num := 0
	for _, job := range ordered {
		if job.Bookkeeper {
			continue
		}
		varname := fmt.Sprintf("job_%d", num)
		num++
		varnames[job] = varname
		script = append(script, fmt.Sprintf("    %s = BashOperator(task_id=%q, bash_command=%s)",
			varname, job.Name, pyQuote(job.Command)))
	}
	for _, job := range ordered {
		varname, ok := varnames[job]
		if !ok {
			continue
		}
		for _, dep := range job.Depends {
			if depVar, ok := varnames[dep]; ok {
				script = append(script, fmt.Sprintf("    %s.set_upstream(%s)", varname, depVar))
			}
		}
	}
	return strings.Join(script, "\n") + "\n"
}

func pyQuote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "\\'")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return "'" + s + "'"
}
