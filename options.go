package main

import "time"

// SubmitOptions are the per-job knobs accepted by Queue.Submit. A nil options
// value means "defaults": auto-generated name, no dependencies, logging on.
type SubmitOptions struct {
	Name string

	// Depends holds direct references to jobs already submitted.
	// DependNames holds name references, which may point at jobs submitted
	// later; they are resolved at finalize time.
	Depends     []*Job
	DependNames []string

	Tags []string

	CPUs      int
	GPUs      int
	Mem       string
	Partition string
	Begin     string

	// SlurmArgs are emitted verbatim on this job's sbatch line.
	SlurmArgs []string

	Log        bool
	Bookkeeper bool
}

func defaultSubmitOptions() *SubmitOptions {
	return &SubmitOptions{Log: true}
}

// SerialOptions configure the single-script backend.
type SerialOptions struct {
	// WithStatus controls emission of status bookkeeping (stat files,
	// queue counters). WithGuards controls dependency guards and command
	// echoing. Both default on; turning them off produces a bare listing
	// of the commands.
	WithStatus bool
	WithGuards bool

	// WithLocks wraps each job in an advisory flock on a session-wide
	// lockfile. On by default for serial emits, which share a queue state
	// file.
	WithLocks bool
}

func defaultSerialOptions() SerialOptions {
	return SerialOptions{WithStatus: true, WithGuards: true, WithLocks: true}
}

// SessionHandler says what to do when stale cmdq tmux sessions are found
// before a run.
type SessionHandler string

const (
	SessionAsk    SessionHandler = "ask"
	SessionKill   SessionHandler = "kill"
	SessionIgnore SessionHandler = "ignore"
	// SessionAuto kills when stdin is not a tty, otherwise asks.
	SessionAuto SessionHandler = "auto"
)

// TmuxOptions configure the tmux backend.
type TmuxOptions struct {
	// Size is the maximum number of worker sessions.
	Size int

	// RefreshRate is the bookkeeper poll interval.
	RefreshRate time.Duration

	// OnFail controls whether worker sessions stay alive after a failed
	// run: "kill" (default) or "keep".
	OnFail string

	OtherSessionHandler SessionHandler

	// GRES assigns one CUDA_VISIBLE_DEVICES value per worker.
	GRES []int
}

func defaultTmuxOptions() TmuxOptions {
	return TmuxOptions{
		Size:                1,
		RefreshRate:         400 * time.Millisecond,
		OnFail:              "kill",
		OtherSessionHandler: SessionAuto,
	}
}

// SlurmOptions configure the slurm backend.
type SlurmOptions struct {
	// Partition is a default partition applied to jobs that set none.
	Partition string

	// Shell wraps each command as `<shell> -c '<command>'`. sbatch runs
	// /bin/sh by default, so this is how bashisms survive.
	Shell string

	// ExtraArgs are appended verbatim to every sbatch line. This is the
	// passthrough escape hatch: the typed flag surface tracks the stable
	// subset of sbatch, everything else goes here.
	ExtraArgs []string
}

// RunOptions control Queue.Run.
type RunOptions struct {
	// Block waits for all jobs to reach a terminal state. Non-blocking
	// runs return as soon as the artifact is launched.
	Block bool

	// System replaces the current process with the entry script via
	// execve. Never returns on success.
	System bool

	// Capture buffers the script's stdout into RunResult.Output.
	Capture bool

	Verbose bool
}

// RunResult is the aggregate outcome of a run. ExitCode is non-zero iff at
// least one job failed; the generated artifacts themselves always exit zero.
type RunResult struct {
	ExitCode int
	Output   string
	PID      int
	Failed   []string
	Snapshot Snapshot
}
