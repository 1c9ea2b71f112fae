package main

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// slurmPollInterval is how often blocking runs re-query the controller.
var slurmPollInterval = 2 * time.Second

func waitSlurmPoll() {
	time.Sleep(slurmPollInterval)
}

// parseMemMB normalizes a memory hint to megabytes, the unit sbatch expects.
// Bare integers are taken as megabytes already; anything else goes through a
// size parser, so "8GB", "512MB" and "300000000 b" all work.
func parseMemMB(mem string) (int64, error) {
	mem = strings.TrimSpace(mem)
	if mem == "" {
		return 0, fmt.Errorf("empty mem value")
	}
	if mb, err := strconv.ParseInt(mem, 10, 64); err == nil {
		if mb <= 0 {
			return 0, fmt.Errorf("mem must be positive: %d", mb)
		}
		return mb, nil
	}
	nbytes, err := units.RAMInBytes(mem)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mem %q: %w", mem, err)
	}
	mb := nbytes / units.MiB
	if mb <= 0 {
		return 0, fmt.Errorf("mem too small: %q", mem)
	}
	return mb, nil
}

func hasAnyTag(job *Job, tags []string) bool {
	for _, tag := range tags {
		for _, have := range job.Tags {
			if tag == have {
				return true
			}
		}
	}
	return false
}

// buildSbatchArgs renders one job's sbatch invocation. varnames maps already
// emitted jobs to their JOB_NNN shell variables; topological emission order
// guarantees every referenced variable is defined before use.
func (q *Queue) buildSbatchArgs(job *Job, varnames map[*Job]string, excluded map[*Job]bool) ([]string, error) {
	args := []string{"sbatch", fmt.Sprintf("--job-name=%q", job.Name)}

	if job.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", job.CPUs))
	}
	if job.Mem != "" {
		mb, err := parseMemMB(job.Mem)
		if err != nil {
			return nil, err
		}
		args = append(args, fmt.Sprintf("--mem=%d", mb))
	}
	if job.GPUs > 0 {
		args = append(args, fmt.Sprintf("--gpus=%d", job.GPUs))
	}
	partition := job.Partition
	if partition == "" {
		partition = q.Slurm.Partition
	}
	if partition != "" {
		args = append(args, fmt.Sprintf("--partition=%s", partition))
	}
	if job.Begin != "" {
		args = append(args, fmt.Sprintf("--begin=%s", job.Begin))
	}
	args = append(args, fmt.Sprintf("--output=%q", job.LogFpath))

	if len(job.Depends) > 0 {
		refs := make([]string, 0, len(job.Depends))
		for _, dep := range job.Depends {
			if excluded[dep] {
				continue
			}
			varname, ok := varnames[dep]
			if !ok {
				return nil, fmt.Errorf("job %q emitted before its dependency %q", job.Name, dep.Name)
			}
			refs = append(refs, fmt.Sprintf("${%s}", varname))
		}
		if len(refs) > 0 {
			args = append(args, fmt.Sprintf("\"--dependency=afterok:%s\"", strings.Join(refs, ":")))
		}
	}

	args = append(args, q.Slurm.ExtraArgs...)
	args = append(args, job.SlurmArgs...)

	command := job.Command
	if q.Slurm.Shell != "" {
		command = q.Slurm.Shell + " -c " + shQuote(command)
	}
	args = append(args, "--wrap "+shQuote(command), "--parsable")
	return args, nil
}

// finalizeSlurm emits the driver script: one sbatch call per job in
// topological order, each captured into a JOB_NNN variable so later
// dependency flags can reference the returned ids. Jobs carrying an excluded
// tag are left out, and edges into them dissolve.
func (q *Queue) finalizeSlurm(ordered []*Job) (string, error) {
	script := []string{
		q.Shebang,
		fmt.Sprintf("# sbatch driver written by cmdq %s", cmdqVersion),
		fmt.Sprintf("mkdir -p %s", shQuote(q.LogDir())),
		fmt.Sprintf("mkdir -p %s", shQuote(q.JobInfoDir())),
	}

	excluded := make(map[*Job]bool)
	for _, job := range ordered {
		if hasAnyTag(job, q.ExcludeTags) {
			excluded[job] = true
		}
	}

	varnames := make(map[*Job]string, len(ordered))
	num := 0
	for _, job := range ordered {
		if excluded[job] {
			continue
		}
		args, err := q.buildSbatchArgs(job, varnames, excluded)
		if err != nil {
			return "", err
		}
		command := strings.Join(args, " \\\n    ")
		if len(q.HeaderCommands) > 0 {
			command = strings.Join(append(append([]string(nil), q.HeaderCommands...), command), " && ")
		}
		varname := fmt.Sprintf("JOB_%03d", num)
		num++
		varnames[job] = varname
		script = append(script, "", fmt.Sprintf("### %s", job.Name), fmt.Sprintf("%s=$(%s)", varname, command))
		script = append(script, fmt.Sprintf("echo \"%s=${%s}\"", varname, varname))
	}

	return strings.Join(script, "\n") + "\n", nil
}

// parseSinfoStates extracts node states from `sinfo -h -o %T` output,
// stripping the trailing markers newer slurm releases append (down* and
// drained~ and the like).
func parseSinfoStates(out string) []string {
	var states []string
	for _, line := range strings.Split(out, "\n") {
		state := strings.TrimSpace(line)
		state = strings.TrimRight(state, "*~#!%$@^-")
		if state != "" {
			states = append(states, strings.ToLower(state))
		}
	}
	return states
}

func anyNodeUsable(states []string) bool {
	for _, state := range states {
		if strings.HasPrefix(state, "down") || strings.HasPrefix(state, "drain") {
			continue
		}
		return true
	}
	return false
}

// slurmAvailable reports whether a usable slurm cluster is reachable:
// sinfo exists, runs, and shows at least one node that is not down/drained.
func slurmAvailable() bool {
	if !findExe("sinfo") {
		return false
	}
	out, err := exec.Command("sinfo", "-h", "-o", "%T").Output()
	if err != nil {
		return false
	}
	return anyNodeUsable(parseSinfoStates(string(out)))
}

// mapSlurmState folds squeue/sacct state codes into the uniform job states.
func mapSlurmState(code string) JobState {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.TrimSuffix(code, "+")
	switch code {
	case "PD", "PENDING", "CF", "CONFIGURING":
		return StatePending
	case "R", "RUNNING", "CG", "COMPLETING":
		return StateStarted
	case "CD", "COMPLETED":
		return StatePassed
	case "F", "FAILED", "TO", "TIMEOUT", "CA", "CANCELLED", "NF", "NODE_FAIL", "OOM", "OUT_OF_MEMORY":
		return StateFailed
	}
	return StatePending
}

// parseSqueueOutput maps `squeue --me --format="%i %j %T"` lines onto job
// name -> state.
func parseSqueueOutput(out string) map[string]JobState {
	states := make(map[string]JobState)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[0] == "JOBID" {
			continue
		}
		states[fields[1]] = mapSlurmState(fields[2])
	}
	return states
}

// parseSacctOutput maps `sacct -X --noheader --format=JobName%64,State`
// lines onto job name -> state, for jobs that already left the queue.
func parseSacctOutput(out string) map[string]JobState {
	states := make(map[string]JobState)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		states[fields[0]] = mapSlurmState(fields[1])
	}
	return states
}

// slurmReadState asks the controller for this queue's jobs: squeue for live
// ones, sacct as the fallback for jobs that already completed.
func (q *Queue) slurmReadState() []JobStatus {
	q.bindJobPaths()

	live := make(map[string]JobState)
	if out, err := exec.Command("squeue", "--me", "--noheader", "--format=%i %j %T").Output(); err == nil {
		live = parseSqueueOutput(string(out))
	}
	done := make(map[string]JobState)
	if out, err := exec.Command("sacct", "-X", "--noheader", "--format=JobName%64,State").Output(); err == nil {
		done = parseSacctOutput(string(out))
	}

	var statuses []JobStatus
	for _, job := range q.graph.jobs {
		if job.Bookkeeper {
			continue
		}
		state, ok := live[job.Name]
		if !ok {
			state, ok = done[job.Name]
		}
		if !ok {
			state = StatePending
		}
		statuses = append(statuses, JobStatus{Name: job.Name, State: state})
	}
	return statuses
}

// runSlurm materializes and executes the sbatch driver. Blocking mode polls
// the controller until none of this queue's jobs remain in squeue.
func (q *Queue) runSlurm(opts RunOptions) (*RunResult, error) {
	if !findExe("sbatch") {
		return nil, fmt.Errorf("sbatch not found in PATH")
	}
	if !slurmAvailable() {
		return nil, fmt.Errorf("slurm backend is not available (no usable nodes)")
	}
	if err := q.Write(); err != nil {
		return nil, err
	}
	fpath := q.SessionDir() + "/" + q.SessionID + ".sh"

	cmd := exec.Command("bash", fpath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to run sbatch driver: %w\n%s", err, out)
	}
	if !opts.Block {
		res := &RunResult{}
		if opts.Capture {
			res.Output = string(out)
		}
		return res, nil
	}

	// Poll until squeue no longer lists any of this queue's jobs, then
	// settle final states from sacct.
	for q.slurmLiveCount() > 0 {
		waitSlurmPoll()
	}
	statuses := q.slurmReadState()
	res := &RunResult{Snapshot: snapshotOf(statuses)}
	for _, st := range statuses {
		if st.State == StateFailed {
			res.Failed = append(res.Failed, st.Name)
		}
	}
	if len(res.Failed) > 0 {
		res.ExitCode = 1
	}
	if opts.Capture {
		res.Output = string(out)
	}
	return res, nil
}

// slurmLiveCount counts this queue's jobs still visible in squeue.
func (q *Queue) slurmLiveCount() int {
	out, err := exec.Command("squeue", "--me", "--noheader", "--format=%i %j %T").Output()
	if err != nil {
		return 0
	}
	live := parseSqueueOutput(string(out))
	count := 0
	for _, job := range q.graph.jobs {
		if _, ok := live[job.Name]; ok {
			count++
		}
	}
	return count
}

// killSlurm cancels every job in this queue by name.
func (q *Queue) killSlurm() error {
	for _, job := range q.graph.jobs {
		if job.Bookkeeper {
			continue
		}
		if err := exec.Command("scancel", "--name="+job.Name).Run(); err != nil {
			return fmt.Errorf("failed to scancel %s: %w", job.Name, err)
		}
	}
	return nil
}
