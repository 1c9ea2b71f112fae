package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// pipelineFile is a queue definition loaded from YAML, for running a DAG
// straight from a file without touching the queue database.
type pipelineFile struct {
	Name    string            `yaml:"name"`
	Header  []string          `yaml:"header"`
	Environ map[string]string `yaml:"environ"`
	Cwd     string            `yaml:"cwd"`
	Jobs    []pipelineJob     `yaml:"jobs"`
}

type pipelineJob struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Depends   []string `yaml:"depends"`
	Tags      []string `yaml:"tags"`
	CPUs      int      `yaml:"cpus"`
	GPUs      int      `yaml:"gpus"`
	Mem       string   `yaml:"mem"`
	Partition string   `yaml:"partition"`
	Begin     string   `yaml:"begin"`
}

func loadPipeline(fpath string) (*pipelineFile, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	var pipe pipelineFile
	if err := yaml.Unmarshal(data, &pipe); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", fpath, err)
	}
	for i, job := range pipe.Jobs {
		if job.Command == "" {
			return nil, fmt.Errorf("pipeline job %d has no command", i)
		}
	}
	return &pipe, nil
}

// buildQueue turns a pipeline definition into a queue on the given backend.
func (p *pipelineFile) buildQueue(kind BackendKind, name, dpath string, workers int) (*Queue, error) {
	if name == "" {
		name = p.Name
	}
	q, err := NewQueue(kind, name, dpath)
	if err != nil {
		return nil, err
	}
	q.Environ = p.Environ
	q.CWD = p.Cwd
	if workers > 0 {
		q.Tmux.Size = workers
	}
	for _, header := range p.Header {
		q.AddHeaderCommand(header)
	}
	for _, job := range p.Jobs {
		_, err := q.Submit(job.Command, &SubmitOptions{
			Name:        job.Name,
			DependNames: job.Depends,
			Tags:        job.Tags,
			CPUs:        job.CPUs,
			GPUs:        job.GPUs,
			Mem:         job.Mem,
			Partition:   job.Partition,
			Begin:       job.Begin,
			Log:         true,
		})
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}
