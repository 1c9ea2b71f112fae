package main

import (
	"fmt"
	"strings"
)

// DuplicateJobError is returned when a submitted job's name collides with a
// job already in the queue.
type DuplicateJobError struct {
	Name string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job name: %q", e.Name)
}

// UnknownBackendError is returned when a queue is created with a backend kind
// that does not exist.
type UnknownBackendError struct {
	Kind string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend: %q", e.Kind)
}

// UnknownDependencyError is returned at finalize time when a dependency
// reference cannot be resolved to a job in the queue.
type UnknownDependencyError struct {
	Job    string
	Depend string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q depends on unknown job %q", e.Job, e.Depend)
}

// CycleError is returned when the dependency graph is not acyclic. Names
// holds the jobs that could not be ordered.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Names, ", "))
}
