package main

import (
	"fmt"
	"io"
	"strings"
)

// PrintGraph writes a readable rendering of the dependency graph in
// topological order, one job per line with its incoming edges.
func (q *Queue) PrintGraph(w io.Writer) error {
	ordered, err := q.graph.OrderJobs()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Graph:")
	for _, job := range ordered {
		if job.Bookkeeper {
			continue
		}
		if len(job.Depends) == 0 {
			fmt.Fprintf(w, "  %s\n", job.Name)
			continue
		}
		names := make([]string, 0, len(job.Depends))
		for _, dep := range job.Depends {
			names = append(names, dep.Name)
		}
		fmt.Fprintf(w, "  %s  <- %s\n", job.Name, strings.Join(names, ", "))
	}
	return nil
}
