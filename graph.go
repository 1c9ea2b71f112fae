package main

import "fmt"

// GraphModel holds the in-memory DAG of jobs for one queue. It owns the jobs
// until finalize time; backends only borrow read-only views.
type GraphModel struct {
	name    string
	jobs    []*Job
	named   map[string]*Job
	counter int

	// allDepends is the sync barrier: when set, every new submission
	// implicitly depends on these jobs.
	allDepends []*Job
}

func newGraphModel(name string) *GraphModel {
	return &GraphModel{
		name:  name,
		named: make(map[string]*Job),
	}
}

// Submit appends a job to the graph. Names must be unique; submitting the
// same name (or the same *Job by way of a duplicate submission) returns a
// DuplicateJobError. Dependency name references may point at jobs that have
// not been submitted yet; they are resolved at finalize time.
func (g *GraphModel) Submit(command string, opts *SubmitOptions) (*Job, error) {
	if opts == nil {
		opts = defaultSubmitOptions()
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-job-%d", g.name, g.counter)
	}
	if _, ok := g.named[name]; ok {
		return nil, &DuplicateJobError{Name: name}
	}

	job := &Job{
		Name:        name,
		Command:     command,
		Depends:     append([]*Job(nil), opts.Depends...),
		dependNames: append([]string(nil), opts.DependNames...),
		Tags:        append([]string(nil), opts.Tags...),
		CPUs:        opts.CPUs,
		GPUs:        opts.GPUs,
		Mem:         opts.Mem,
		Partition:   opts.Partition,
		Begin:       opts.Begin,
		SlurmArgs:   append([]string(nil), opts.SlurmArgs...),
		Log:         opts.Log,
		Bookkeeper:  opts.Bookkeeper,
		index:       len(g.jobs),
	}
	if len(g.allDepends) > 0 {
		job.Depends = append(append([]*Job(nil), g.allDepends...), job.Depends...)
	}

	g.jobs = append(g.jobs, job)
	g.named[name] = job
	if !job.Bookkeeper {
		g.counter++
	}
	return job, nil
}

// Sync marks that all future submissions depend on the current sink jobs
// (the jobs nothing depends on yet).
func (g *GraphModel) Sync() {
	dependedOn := make(map[*Job]bool)
	for _, job := range g.jobs {
		for _, dep := range job.Depends {
			dependedOn[dep] = true
		}
	}
	var sinks []*Job
	for _, job := range g.jobs {
		if !dependedOn[job] {
			sinks = append(sinks, job)
		}
	}
	g.allDepends = sinks
}

// NamedJobs returns a read-only copy of the name index.
func (g *GraphModel) NamedJobs() map[string]*Job {
	out := make(map[string]*Job, len(g.named))
	for name, job := range g.named {
		out[name] = job
	}
	return out
}

// AllDepends returns the current sync barrier, if any.
func (g *GraphModel) AllDepends() []*Job {
	return append([]*Job(nil), g.allDepends...)
}

// NumRealJobs counts submitted jobs excluding bookkeepers.
func (g *GraphModel) NumRealJobs() int {
	return g.counter
}

// resolve turns name references into edges and validates that every edge
// points at a job in this graph.
func (g *GraphModel) resolve() error {
	for _, job := range g.jobs {
		for _, depName := range job.dependNames {
			dep, ok := g.named[depName]
			if !ok {
				return &UnknownDependencyError{Job: job.Name, Depend: depName}
			}
			job.Depends = append(job.Depends, dep)
		}
		job.dependNames = nil
		for _, dep := range job.Depends {
			if dep == nil {
				return &UnknownDependencyError{Job: job.Name, Depend: "<nil>"}
			}
			if g.named[dep.Name] != dep {
				return &UnknownDependencyError{Job: job.Name, Depend: dep.Name}
			}
		}
	}
	return nil
}

// OrderJobs resolves dependencies and returns a stable topological order:
// Kahn's algorithm where ties follow submission order. Jobs left unordered
// mean the graph has a cycle.
func (g *GraphModel) OrderJobs() ([]*Job, error) {
	if err := g.resolve(); err != nil {
		return nil, err
	}

	indegree := make(map[*Job]int, len(g.jobs))
	for _, job := range g.jobs {
		indegree[job] = len(job.Depends)
	}

	placed := make(map[*Job]bool, len(g.jobs))
	ordered := make([]*Job, 0, len(g.jobs))
	for len(ordered) < len(g.jobs) {
		var next *Job
		for _, job := range g.jobs {
			if placed[job] || indegree[job] != 0 {
				continue
			}
			next = job
			break
		}
		if next == nil {
			var leftover []string
			for _, job := range g.jobs {
				if !placed[job] {
					leftover = append(leftover, job.Name)
				}
			}
			return nil, &CycleError{Names: leftover}
		}
		placed[next] = true
		ordered = append(ordered, next)
		for _, job := range g.jobs {
			if placed[job] {
				continue
			}
			for _, dep := range job.Depends {
				if dep == next {
					indegree[job]--
				}
			}
		}
	}
	return ordered, nil
}

// clone copies the graph structure. Job pointers are shared: per-run state
// like paths is rebound by whichever queue finalizes next.
func (g *GraphModel) clone() *GraphModel {
	out := &GraphModel{
		name:       g.name,
		jobs:       append([]*Job(nil), g.jobs...),
		named:      make(map[string]*Job, len(g.named)),
		counter:    g.counter,
		allDepends: append([]*Job(nil), g.allDepends...),
	}
	for name, job := range g.named {
		out.named[name] = job
	}
	return out
}
