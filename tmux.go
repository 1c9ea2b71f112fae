package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// tmuxSessionPrefix is the cleanup discriminator: every session cmdq spawns
// starts with it, and `cmdq cleanup` kills by it.
const tmuxSessionPrefix = "cmdq_"

// partitionJobs splits a topological order across at most size workers with
// greedy chain-packing: a job prefers the worker whose most recent job is one
// of its dependencies, so chains stay on one worker and cross-worker waits
// stay rare. Otherwise it lands on the currently-shortest worker. Ties break
// by worker index. Appending in topological order keeps every same-worker
// edge correctly ordered.
func partitionJobs(ordered []*Job, size int) [][]*Job {
	if size < 1 {
		size = 1
	}
	if size > len(ordered) {
		size = len(ordered)
	}
	if size == 0 {
		return nil
	}
	workers := make([][]*Job, size)
	for _, job := range ordered {
		best := -1
		for k := range workers {
			n := len(workers[k])
			if n == 0 {
				continue
			}
			if !jobDependsOn(job, workers[k][n-1]) {
				continue
			}
			if best == -1 || len(workers[k]) < len(workers[best]) {
				best = k
			}
		}
		if best == -1 {
			for k := range workers {
				if best == -1 || len(workers[k]) < len(workers[best]) {
					best = k
				}
			}
		}
		workers[best] = append(workers[best], job)
	}
	out := workers[:0]
	for _, w := range workers {
		if len(w) > 0 {
			out = append(out, w)
		}
	}
	return out
}

func jobDependsOn(job, candidate *Job) bool {
	for _, dep := range job.Depends {
		if dep == candidate {
			return true
		}
	}
	return false
}

func (q *Queue) tmuxWorkerSession(k int) string {
	return fmt.Sprintf("%s%s_%d", tmuxSessionPrefix, q.SessionID, k)
}

func (q *Queue) tmuxBookkeeperSession() string {
	return fmt.Sprintf("%s%s_book", tmuxSessionPrefix, q.SessionID)
}

func (q *Queue) tmuxWorkerFname(k int) string {
	return fmt.Sprintf("queue_%s_%d_%s.sh", sanitizeName(q.Name), k, q.SessionID)
}

func (q *Queue) tmuxBookkeeperFname() string {
	return fmt.Sprintf("queue_%s_book_%s.sh", sanitizeName(q.Name), q.SessionID)
}

// finalizeTmux partitions the DAG into worker scripts plus a bookkeeper
// script and a driver that spawns the sessions.
func (q *Queue) finalizeTmux(ordered []*Job) ([]Artifact, error) {
	workers := partitionJobs(ordered, q.Tmux.Size)

	// Worker index per job, for spotting cross-worker edges.
	assignment := make(map[*Job]int)
	for k, jobs := range workers {
		for _, job := range jobs {
			assignment[job] = k
		}
	}

	var artifacts []Artifact
	for k, jobs := range workers {
		text := q.finalizeTmuxWorker(k, jobs, assignment)
		artifacts = append(artifacts, Artifact{Fname: q.tmuxWorkerFname(k), Text: text})
	}
	artifacts = append(artifacts, Artifact{Fname: q.tmuxBookkeeperFname(), Text: q.finalizeBookkeeper()})
	artifacts = append(artifacts, Artifact{Fname: q.SessionID + ".sh", Text: q.finalizeTmuxDriver(workers)})
	return artifacts, nil
}

// finalizeTmuxWorker emits one worker's serial script. Dependencies that
// live on other workers become wait loops polling the dependency's status
// files before the normal guard decides.
func (q *Queue) finalizeTmuxWorker(k int, jobs []*Job, assignment map[*Job]int) string {
	emitter := &bashEmitter{WithStatus: true, WithGuards: true}

	script := []string{
		q.Shebang,
		fmt.Sprintf("# Written by cmdq %s - worker %d of session %s", cmdqVersion, k, q.SessionID),
		fmt.Sprintf("mkdir -p %s", shQuote(q.JobInfoDir())),
		fmt.Sprintf("mkdir -p %s", shQuote(q.LogDir())),
	}

	environ := q.Environ
	if len(q.Tmux.GRES) > 0 {
		environ = make(map[string]string, len(q.Environ)+1)
		for key, val := range q.Environ {
			environ[key] = val
		}
		environ["CUDA_VISIBLE_DEVICES"] = fmt.Sprintf("%d", q.Tmux.GRES[k%len(q.Tmux.GRES)])
	}
	if len(environ) > 0 {
		script = append(script, "", "# Environment")
		for _, key := range sortedKeys(environ) {
			script = append(script, fmt.Sprintf("export %s=%s", key, shQuote(environ[key])))
		}
	}
	if q.CWD != "" {
		script = append(script, "", "# Working directory", fmt.Sprintf("cd %s", shQuote(q.CWD)))
	}
	if len(q.HeaderCommands) > 0 {
		script = append(script, "", "# Header commands")
		script = append(script, q.HeaderCommands...)
	}

	total := q.graph.NumRealJobs()
	for _, job := range jobs {
		var waitDeps []*Job
		for _, dep := range job.Depends {
			if depWorker, ok := assignment[dep]; ok && depWorker != k {
				waitDeps = append(waitDeps, dep)
			}
		}
		script = append(script, "", emitter.emitJob(job, job.index+1, total, waitDeps, nil))
	}

	return strings.Join(script, "\n") + "\n"
}

// finalizeBookkeeper emits the poller script: count terminal status files,
// print aggregate progress, dump the queue-state json, exit when everything
// real is terminal.
func (q *Queue) finalizeBookkeeper() string {
	total := q.graph.NumRealJobs()
	refresh := q.Tmux.RefreshRate.Seconds()
	infoDir := shQuote(q.JobInfoDir())

	stateDump := bashJSONDump([][3]string{
		{"status", `"%s"`, "$_CMDQ_STATUS"},
		{"passed", "%d", "$npass"},
		{"failed", "%d", "$nfail"},
		{"skipped", "%d", "$nskip"},
		{"total", "%d", "$total"},
		{"name", `"%s"`, q.Name},
		{"session", `"%s"`, q.SessionID},
	}, q.StateFpath())

	return strings.Join([]string{
		q.Shebang,
		fmt.Sprintf("# Bookkeeper for session %s", q.SessionID),
		fmt.Sprintf("total=%d", total),
		"_CMDQ_STATUS=run",
		"while true; do",
		fmt.Sprintf("    npass=$(find %s -name \"*.pass\" 2>/dev/null | wc -l)", infoDir),
		fmt.Sprintf("    nfail=$(find %s -name \"*.fail\" 2>/dev/null | wc -l)", infoDir),
		fmt.Sprintf("    nskip=$(grep -l \"^skipped\" %s/*.stat 2>/dev/null | wc -l)", infoDir),
		"    ndone=$((npass + nfail + nskip))",
		fmt.Sprintf("    printf \"cmdq %s: %%d/%%d passed=%%d failed=%%d skipped=%%d\\n\" \"$ndone\" \"$total\" \"$npass\" \"$nfail\" \"$nskip\"", q.SessionID),
		"    " + strings.ReplaceAll(stateDump, "\n", "\n    "),
		"    if [ \"$ndone\" -ge \"$total\" ]; then",
		"        break",
		"    fi",
		fmt.Sprintf("    sleep %g", refresh),
		"done",
		"_CMDQ_STATUS=done",
		stateDump,
		fmt.Sprintf("printf \"cmdq %s: done\\n\"", q.SessionID),
	}, "\n") + "\n"
}

// finalizeTmuxDriver emits a human-runnable record of the tmux commands the
// host issues. Run prefers issuing them directly.
func (q *Queue) finalizeTmuxDriver(workers [][]*Job) string {
	script := []string{
		q.Shebang,
		fmt.Sprintf("# Driver script to start the tmux sessions for %s", q.SessionID),
		fmt.Sprintf("echo \"submitting %d jobs\"", q.graph.NumRealJobs()),
	}
	for k, jobs := range workers {
		fpath := filepath.Join(q.SessionDir(), q.tmuxWorkerFname(k))
		script = append(script,
			"",
			fmt.Sprintf("### Worker %d with %d jobs", k, len(jobs)),
			fmt.Sprintf("tmux new-session -d -s %s %s", shQuote(q.tmuxWorkerSession(k)),
				shQuote("bash "+fpath)),
		)
	}
	bookFpath := filepath.Join(q.SessionDir(), q.tmuxBookkeeperFname())
	script = append(script,
		"",
		"### Bookkeeper",
		fmt.Sprintf("tmux new-session -d -s %s %s", shQuote(q.tmuxBookkeeperSession()),
			shQuote("bash "+bookFpath)),
		"",
		`echo "jobs submitted"`,
	)
	return strings.Join(script, "\n") + "\n"
}

// listTmuxSessions returns the names of live tmux sessions. A missing server
// is not an error; it just means no sessions.
func listTmuxSessions() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func killTmuxSession(name string) error {
	return exec.Command("tmux", "kill-session", "-t", name).Run()
}

// handleStaleSessions applies the configured policy to leftover cmdq_
// sessions before a run.
func (q *Queue) handleStaleSessions() error {
	sessions, _ := listTmuxSessions()
	var stale []string
	for _, name := range sessions {
		if strings.HasPrefix(name, tmuxSessionPrefix) {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	handler := q.Tmux.OtherSessionHandler
	if handler == SessionAuto {
		if isatty.IsTerminal(os.Stdin.Fd()) {
			handler = SessionAsk
		} else {
			handler = SessionKill
		}
	}

	switch handler {
	case SessionIgnore:
		return nil
	case SessionKill:
		for _, name := range stale {
			if err := killTmuxSession(name); err != nil {
				return fmt.Errorf("failed to kill stale session %s: %w", name, err)
			}
		}
		return nil
	case SessionAsk:
		fmt.Printf("Found %d stale cmdq tmux sessions:\n", len(stale))
		for _, name := range stale {
			fmt.Printf("  %s\n", name)
		}
		fmt.Print("Kill them? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			for _, name := range stale {
				if err := killTmuxSession(name); err != nil {
					return fmt.Errorf("failed to kill stale session %s: %w", name, err)
				}
			}
		}
		return nil
	}
	return fmt.Errorf("unknown session handler: %q", handler)
}

// runTmux spawns one detached session per worker plus the bookkeeper, then
// optionally blocks until every job is terminal.
func (q *Queue) runTmux(opts RunOptions) (*RunResult, error) {
	if !findExe("tmux") {
		return nil, fmt.Errorf("tmux not found in PATH")
	}
	if err := q.handleStaleSessions(); err != nil {
		return nil, err
	}
	if err := q.Write(); err != nil {
		return nil, err
	}

	ordered, err := q.graph.OrderJobs()
	if err != nil {
		return nil, err
	}
	workers := partitionJobs(ordered, q.Tmux.Size)

	keep := q.Tmux.OnFail == "keep"
	for k := range workers {
		session := q.tmuxWorkerSession(k)
		fpath := filepath.Join(q.SessionDir(), q.tmuxWorkerFname(k))
		if err := q.spawnSession(session, fpath, keep); err != nil {
			return nil, err
		}
	}
	bookFpath := filepath.Join(q.SessionDir(), q.tmuxBookkeeperFname())
	if err := q.spawnSession(q.tmuxBookkeeperSession(), bookFpath, false); err != nil {
		return nil, err
	}

	if !opts.Block {
		return &RunResult{}, nil
	}

	refresh := q.Tmux.RefreshRate
	if refresh <= 0 {
		refresh = 400 * time.Millisecond
	}
	for {
		if q.Snapshot().Terminal() {
			break
		}
		if !q.hasLiveSessions() {
			// Workers died without finishing; whatever state exists on
			// disk is the answer.
			break
		}
		time.Sleep(refresh)
	}

	res := q.aggregate()
	if res.ExitCode == 0 || !keep {
		if err := q.killTmux(); err != nil && opts.Verbose {
			fmt.Printf("warning: %v\n", err)
		}
	}
	return res, nil
}

// spawnSession starts a detached tmux session running the script. With keep,
// the script runs behind a persistent shell so the pane survives for
// debugging after a failure.
func (q *Queue) spawnSession(name, fpath string, keep bool) error {
	var cmd *exec.Cmd
	if keep {
		cmd = exec.Command("tmux", "new-session", "-d", "-s", name, "bash")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("failed to spawn tmux session %s: %w", name, err)
		}
		send := exec.Command("tmux", "send-keys", "-t", name, "bash "+fpath, "Enter")
		if err := send.Run(); err != nil {
			return fmt.Errorf("failed to start worker in session %s: %w", name, err)
		}
		return nil
	}
	cmd = exec.Command("tmux", "new-session", "-d", "-s", name, "bash "+fpath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to spawn tmux session %s: %w", name, err)
	}
	return nil
}

func (q *Queue) hasLiveSessions() bool {
	sessions, _ := listTmuxSessions()
	prefix := tmuxSessionPrefix + q.SessionID + "_"
	for _, name := range sessions {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// killTmux kills every session belonging to this queue's session id.
func (q *Queue) killTmux() error {
	sessions, err := listTmuxSessions()
	if err != nil {
		return err
	}
	prefix := tmuxSessionPrefix + q.SessionID + "_"
	for _, name := range sessions {
		if strings.HasPrefix(name, prefix) {
			if err := killTmuxSession(name); err != nil {
				return fmt.Errorf("failed to kill session %s: %w", name, err)
			}
		}
	}
	return nil
}

// CapturePanes returns the current pane contents of this queue's sessions,
// for post-mortem inspection.
func (q *Queue) CapturePanes() map[string]string {
	sessions, _ := listTmuxSessions()
	prefix := tmuxSessionPrefix + q.SessionID + "_"
	out := make(map[string]string)
	for _, name := range sessions {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		pane, err := exec.Command("tmux", "capture-pane", "-p", "-t", name+":0.0").Output()
		if err == nil {
			out[name] = string(pane)
		}
	}
	return out
}
