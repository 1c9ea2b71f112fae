package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// finalizeSerial orders the full DAG into a single self-checking script.
// Jobs run in topological order; each job's guard observes its ancestors'
// status files, so a failure is contained without aborting the script. The
// script always exits zero - failures are aggregated from fail files by the
// host.
func (q *Queue) finalizeSerial(ordered []*Job) (string, error) {
	opts := q.Serial
	emitter := &bashEmitter{
		WithStatus: opts.WithStatus,
		WithGuards: opts.WithGuards,
		WithLocks:  opts.WithLocks,
		LockFpath:  q.lockFpath(),
	}

	total := q.graph.NumRealJobs()
	script := []string{
		q.Shebang,
		fmt.Sprintf("# Written by cmdq %s", cmdqVersion),
		fmt.Sprintf("mkdir -p %s", shQuote(q.JobInfoDir())),
		fmt.Sprintf("mkdir -p %s", shQuote(q.LogDir())),
	}

	stateDump := func(status string) string {
		return bashJSONDump([][3]string{
			{"status", `"%s"`, status},
			{"passed", "%d", "$_CMDQ_NUM_PASSED"},
			{"failed", "%d", "$_CMDQ_NUM_FAILED"},
			{"skipped", "%d", "$_CMDQ_NUM_SKIPPED"},
			{"total", "%d", "$_CMDQ_TOTAL"},
			{"name", `"%s"`, q.Name},
			{"session", `"%s"`, q.SessionID},
		}, q.StateFpath())
	}

	if opts.WithStatus {
		script = append(script,
			"",
			"# Init state to keep track of job progress",
			`(( "_CMDQ_NUM_PASSED=0" )) || true`,
			`(( "_CMDQ_NUM_FAILED=0" )) || true`,
			`(( "_CMDQ_NUM_SKIPPED=0" )) || true`,
			fmt.Sprintf("_CMDQ_TOTAL=%d", total),
			stateDump("init"),
		)
	}

	if len(q.Environ) > 0 {
		script = append(script, "", "# Environment")
		for _, key := range sortedKeys(q.Environ) {
			script = append(script, fmt.Sprintf("export %s=%s", key, shQuote(q.Environ[key])))
		}
	}

	if q.CWD != "" {
		script = append(script, "", "# Working directory", fmt.Sprintf("cd %s", shQuote(q.CWD)))
	}

	if len(q.HeaderCommands) > 0 {
		script = append(script, "", "# Header commands")
		script = append(script, q.HeaderCommands...)
	}

	if len(ordered) > 0 {
		script = append(script, "", "# ----", "# Jobs", "# ----")
		num := 0
		for _, job := range ordered {
			if job.Bookkeeper {
				script = append(script, "", emitter.emitJob(job, 0, total, nil, nil))
				continue
			}
			num++
			var cond *jobConditionals
			if opts.WithStatus {
				cond = &jobConditionals{
					OnPass: []string{`(( "_CMDQ_NUM_PASSED=_CMDQ_NUM_PASSED+1" )) || true`},
					OnFail: []string{`(( "_CMDQ_NUM_FAILED=_CMDQ_NUM_FAILED+1" )) || true`},
					OnSkip: []string{`(( "_CMDQ_NUM_SKIPPED=_CMDQ_NUM_SKIPPED+1" )) || true`},
				}
			}
			script = append(script, "", emitter.emitJob(job, num, total, nil, cond))
			if opts.WithStatus {
				script = append(script, stateDump("run"))
			}
		}
	}

	if opts.WithStatus {
		script = append(script,
			"",
			stateDump("done"),
			`echo "cmdq final status:"`,
			fmt.Sprintf("cat %s", shQuote(q.StateFpath())),
		)
	}

	return strings.Join(script, "\n") + "\n", nil
}

// runSerial writes the script and executes it with bash. The script's own
// exit status is always zero; the returned exit code aggregates fail files.
func (q *Queue) runSerial(opts RunOptions) (*RunResult, error) {
	if err := q.Write(); err != nil {
		return nil, err
	}
	fpath := filepath.Join(q.SessionDir(), q.SessionID+".sh")

	if opts.System {
		bash, err := exec.LookPath("bash")
		if err != nil {
			return nil, fmt.Errorf("bash not found: %w", err)
		}
		// Replaces the current process; never returns on success.
		return nil, syscall.Exec(bash, []string{"bash", fpath}, os.Environ())
	}

	cmd := exec.Command("bash", fpath)
	var buf bytes.Buffer
	var writers []io.Writer
	if opts.Capture {
		writers = append(writers, &buf)
	}
	if opts.Verbose {
		writers = append(writers, os.Stdout)
	}
	if len(writers) > 0 {
		cmd.Stdout = io.MultiWriter(writers...)
		cmd.Stderr = cmd.Stdout
	}

	if !opts.Block {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", fpath, err)
		}
		return &RunResult{PID: cmd.Process.Pid, Output: buf.String()}, nil
	}

	if err := cmd.Run(); err != nil {
		// The script exits zero even when jobs fail; an error here means
		// bash itself could not run it.
		return nil, fmt.Errorf("failed to run %s: %w", fpath, err)
	}
	res := q.aggregate()
	res.Output = buf.String()
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
