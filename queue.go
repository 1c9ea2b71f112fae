package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type BackendKind string

const (
	BackendSerial  BackendKind = "serial"
	BackendTmux    BackendKind = "tmux"
	BackendSlurm   BackendKind = "slurm"
	BackendAirflow BackendKind = "airflow"
)

// Artifact is one generated file: a worker or driver script, or the airflow
// DAG skeleton.
type Artifact struct {
	Fname string
	Text  string
}

// Queue binds a GraphModel to one execution backend and one session
// directory. Jobs accumulate via Submit; FinalizeText transpiles them;
// Write materializes the artifacts; Run executes them.
type Queue struct {
	Name      string
	Kind      BackendKind
	SessionID string

	// Dpath is the parent directory for session directories.
	Dpath string

	Shebang        string
	Environ        map[string]string
	CWD            string
	HeaderCommands []string

	// ExcludeTags filters jobs out at emit time (slurm backend).
	ExcludeTags []string

	Serial SerialOptions
	Tmux   TmuxOptions
	Slurm  SlurmOptions

	graph *GraphModel
}

// NewQueue creates a queue for the given backend kind. An unknown kind is a
// construction error, reported synchronously.
func NewQueue(kind BackendKind, name, dpath string) (*Queue, error) {
	switch kind {
	case BackendSerial, BackendTmux, BackendSlurm, BackendAirflow:
	default:
		return nil, &UnknownBackendError{Kind: string(kind)}
	}
	if name == "" {
		name = "unnamed"
	}
	if dpath == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		dpath = filepath.Join(dataDir, "sessions")
	}
	return &Queue{
		Name:      name,
		Kind:      kind,
		SessionID: newSessionID(name),
		Dpath:     dpath,
		Shebang:   "#!/bin/bash",
		Serial:    defaultSerialOptions(),
		Tmux:      defaultTmuxOptions(),
		graph:     newGraphModel(name),
	}, nil
}

// ChangeBackend returns a new queue over the same jobs with a different
// backend and a fresh session id. The receiver is unaffected.
func (q *Queue) ChangeBackend(kind BackendKind) (*Queue, error) {
	switch kind {
	case BackendSerial, BackendTmux, BackendSlurm, BackendAirflow:
	default:
		return nil, &UnknownBackendError{Kind: string(kind)}
	}
	out := *q
	out.Kind = kind
	out.SessionID = newSessionID(q.Name)
	out.graph = q.graph.clone()
	return &out, nil
}

func (q *Queue) Submit(command string, opts *SubmitOptions) (*Job, error) {
	return q.graph.Submit(command, opts)
}

func (q *Queue) Sync() {
	q.graph.Sync()
}

func (q *Queue) AddHeaderCommand(command string) {
	q.HeaderCommands = append(q.HeaderCommands, command)
}

func (q *Queue) Jobs() []*Job {
	return append([]*Job(nil), q.graph.jobs...)
}

func (q *Queue) NamedJobs() map[string]*Job {
	return q.graph.NamedJobs()
}

func (q *Queue) Len() int {
	return q.graph.NumRealJobs()
}

func (q *Queue) SessionDir() string {
	return filepath.Join(q.Dpath, q.SessionID)
}

func (q *Queue) JobInfoDir() string {
	return filepath.Join(q.SessionDir(), "job_info")
}

func (q *Queue) LogDir() string {
	return filepath.Join(q.SessionDir(), "logs")
}

// StateFpath is the aggregate queue-state json maintained by the generated
// scripts.
func (q *Queue) StateFpath() string {
	return filepath.Join(q.SessionDir(), q.SessionID+".state")
}

func (q *Queue) lockFpath() string {
	return filepath.Join(q.SessionDir(), ".cmdq.lock")
}

// OrderJobs exposes the stable topological order.
func (q *Queue) OrderJobs() ([]*Job, error) {
	return q.graph.OrderJobs()
}

// bindJobPaths derives the per-run status file paths for every job.
func (q *Queue) bindJobPaths() {
	for _, job := range q.graph.jobs {
		job.bindPaths(q.JobInfoDir(), q.LogDir())
	}
}

// FinalizeText transpiles the DAG into the backend's artifacts. It is pure
// beyond path derivation: nothing is written to disk.
func (q *Queue) FinalizeText() ([]Artifact, error) {
	ordered, err := q.graph.OrderJobs()
	if err != nil {
		return nil, err
	}
	q.bindJobPaths()
	switch q.Kind {
	case BackendSerial:
		text, err := q.finalizeSerial(ordered)
		if err != nil {
			return nil, err
		}
		return []Artifact{{Fname: q.SessionID + ".sh", Text: text}}, nil
	case BackendTmux:
		return q.finalizeTmux(ordered)
	case BackendSlurm:
		text, err := q.finalizeSlurm(ordered)
		if err != nil {
			return nil, err
		}
		return []Artifact{{Fname: q.SessionID + ".sh", Text: text}}, nil
	case BackendAirflow:
		text := q.finalizeAirflow(ordered)
		return []Artifact{{Fname: q.SessionID + "_dag.py", Text: text}}, nil
	}
	return nil, &UnknownBackendError{Kind: string(q.Kind)}
}

// Write materializes the session directory and every artifact. Graph-shape
// problems surface before anything touches disk.
func (q *Queue) Write() error {
	artifacts, err := q.FinalizeText()
	if err != nil {
		return err
	}
	for _, dpath := range []string{q.SessionDir(), q.JobInfoDir(), q.LogDir()} {
		if err := os.MkdirAll(dpath, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	for _, art := range artifacts {
		if err := writeScript(filepath.Join(q.SessionDir(), art.Fname), art.Text); err != nil {
			return err
		}
	}
	return nil
}

// Run writes the artifacts and executes them with the backend's runner.
func (q *Queue) Run(opts RunOptions) (*RunResult, error) {
	switch q.Kind {
	case BackendSerial:
		return q.runSerial(opts)
	case BackendTmux:
		return q.runTmux(opts)
	case BackendSlurm:
		return q.runSlurm(opts)
	case BackendAirflow:
		return nil, fmt.Errorf("airflow backend is experimental and cannot run; use FinalizeText")
	}
	return nil, &UnknownBackendError{Kind: string(q.Kind)}
}

// ReadState returns the per-job progress snapshot for this session. Serial
// and tmux read the status files; slurm asks the controller.
func (q *Queue) ReadState() []JobStatus {
	if q.Kind == BackendSlurm {
		return q.slurmReadState()
	}
	q.bindJobPaths()
	return readState(q.graph.jobs)
}

// Snapshot aggregates ReadState.
func (q *Queue) Snapshot() Snapshot {
	return snapshotOf(q.ReadState())
}

// Kill cancels whatever the backend has in flight. Completed status files
// are left in place.
func (q *Queue) Kill() error {
	switch q.Kind {
	case BackendTmux:
		return q.killTmux()
	case BackendSlurm:
		return q.killSlurm()
	}
	return nil
}

// aggregate turns the final snapshot into a run result: exit code 1 iff any
// job failed.
func (q *Queue) aggregate() *RunResult {
	statuses := q.ReadState()
	res := &RunResult{Snapshot: snapshotOf(statuses)}
	for _, st := range statuses {
		if st.State == StateFailed {
			res.Failed = append(res.Failed, st.Name)
		}
	}
	if len(res.Failed) > 0 {
		res.ExitCode = 1
	}
	return res
}

// PrintCommands writes every generated artifact to w, each with a banner
// naming the file it would land in.
func (q *Queue) PrintCommands(w io.Writer) error {
	artifacts, err := q.FinalizeText()
	if err != nil {
		return err
	}
	for _, art := range artifacts {
		fmt.Fprintf(w, "# --- %s\n", filepath.Join(q.SessionDir(), art.Fname))
		fmt.Fprintln(w, art.Text)
		fmt.Fprintln(w)
	}
	return nil
}

// IsAvailable reports whether the queue's backend can run on this machine.
// Availability is a boolean, never an error.
func (q *Queue) IsAvailable() bool {
	switch q.Kind {
	case BackendSerial:
		return true
	case BackendTmux:
		return findExe("tmux")
	case BackendSlurm:
		return slurmAvailable()
	case BackendAirflow:
		return false
	}
	return false
}

// AvailableBackends lists the backends usable on this machine.
func AvailableBackends() []BackendKind {
	out := []BackendKind{BackendSerial}
	if findExe("tmux") {
		out = append(out, BackendTmux)
	}
	if slurmAvailable() {
		out = append(out, BackendSlurm)
	}
	return out
}
