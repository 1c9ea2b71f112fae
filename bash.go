package main

import (
	"fmt"
	"strings"
)

// jobConditionals are caller-supplied lines spliced into a job's outcome
// branches. The serial backend uses them to maintain queue counters.
type jobConditionals struct {
	OnPass []string
	OnFail []string
	OnSkip []string
}

// bashEmitter transpiles single jobs into bash blocks. The same emitter
// serves the serial and tmux backends; tmux additionally passes cross-worker
// dependencies that must be waited on before the guard can decide.
type bashEmitter struct {
	WithStatus bool
	WithGuards bool
	WithLocks  bool
	LockFpath  string
}

// emitJob produces the block for one job.
//
// The block never exits on failure: a failed command touches its fail file
// and falls through so downstream guards can observe the failure. Status
// probes use file existence only, so partially written stat files cannot
// confuse a reader.
func (e *bashEmitter) emitJob(job *Job, num, total int, waitDeps []*Job, cond *jobConditionals) string {
	var script []string

	if job.Bookkeeper {
		// Bookkeeper jobs get no banner and no status bookkeeping.
		return job.Command
	}

	script = append(script, "#")
	script = append(script, fmt.Sprintf("### Command %d/%d - %s", num, total, job.Name))
	if hints := hintComment(job); hints != "" {
		script = append(script, hints)
	}
	script = append(script, "#")

	for _, dep := range waitDeps {
		script = append(script, fmt.Sprintf("# Wait for %s on another worker", dep.Name))
		script = append(script, strings.Join([]string{
			fmt.Sprintf("while [ ! -e %s ] && [ ! -e %s ] && ! grep -q \"^skipped\" %s 2>/dev/null; do",
				shQuote(dep.PassFpath), shQuote(dep.FailFpath), shQuote(dep.StatFpath)),
			"    sleep 1",
			"done",
		}, "\n"))
	}

	body := e.emitBody(job, cond)

	guarded := e.WithGuards && len(job.Depends) > 0
	if guarded {
		conditions := make([]string, 0, len(job.Depends))
		for _, dep := range job.Depends {
			conditions = append(conditions, fmt.Sprintf("[ -e %s ]", shQuote(dep.PassFpath)))
		}
		script = append(script, fmt.Sprintf("if %s; then", strings.Join(conditions, " && ")))
		script = append(script, indentLines(body, "    "))
		script = append(script, "else")
		var skip []string
		if e.WithStatus {
			skip = append(skip, fmt.Sprintf("echo \"skipped $(date +%%s)\" > %s", shQuote(job.StatFpath)))
		}
		if cond != nil {
			skip = append(skip, cond.OnSkip...)
		}
		if len(skip) == 0 {
			skip = append(skip, ":")
		}
		script = append(script, indentLines(strings.Join(skip, "\n"), "    "))
		script = append(script, "fi")
	} else {
		script = append(script, body)
	}

	return strings.Join(script, "\n")
}

// emitBody is the run-the-command core: started stat, the command itself
// (optionally teed and optionally under an advisory lock), return code
// capture, and the pass/fail outcome branches.
func (e *bashEmitter) emitBody(job *Job, cond *jobConditionals) string {
	var script []string

	if e.WithStatus {
		script = append(script, "# Mark job as running")
		script = append(script, fmt.Sprintf("echo \"started $(date +%%s)\" > %s", shQuote(job.StatFpath)))
	}

	command := fmt.Sprintf("( %s )", job.Command)
	if e.WithLocks && e.LockFpath != "" {
		command = strings.Join([]string{
			"(",
			"    flock 9",
			indentLines(job.Command, "    "),
			fmt.Sprintf(") 9>%s", shQuote(e.LockFpath)),
		}, "\n")
	}

	if e.WithGuards {
		script = append(script, "# Disable exit-on-error, enable command echo")
		script = append(script, "set +e -x")
	}
	if job.Log {
		script = append(script, fmt.Sprintf("%s 2>&1 | tee %s", command, shQuote(job.LogFpath)))
		if e.WithGuards {
			script = append(script, "{ _CMDQ_RET=${PIPESTATUS[0]}; set +x; } 2>/dev/null")
		} else {
			script = append(script, "_CMDQ_RET=${PIPESTATUS[0]}")
		}
	} else {
		script = append(script, command)
		if e.WithGuards {
			script = append(script, "{ _CMDQ_RET=$?; set +x; } 2>/dev/null")
		} else {
			script = append(script, "_CMDQ_RET=$?")
		}
	}

	if !e.WithStatus {
		return strings.Join(script, "\n")
	}

	onPass := []string{
		fmt.Sprintf("touch %s", shQuote(job.PassFpath)),
		fmt.Sprintf("echo \"passed $(date +%%s) $_CMDQ_RET\" > %s", shQuote(job.StatFpath)),
	}
	onFail := []string{
		fmt.Sprintf("touch %s", shQuote(job.FailFpath)),
		fmt.Sprintf("echo \"failed $(date +%%s) $_CMDQ_RET\" > %s", shQuote(job.StatFpath)),
	}
	if cond != nil {
		onPass = append(onPass, cond.OnPass...)
		onFail = append(onFail, cond.OnFail...)
	}

	script = append(script, "# Mark job as stopped")
	script = append(script, "if [ \"$_CMDQ_RET\" -eq 0 ]; then")
	script = append(script, indentLines(strings.Join(onPass, "\n"), "    "))
	script = append(script, "else")
	script = append(script, indentLines(strings.Join(onFail, "\n"), "    "))
	script = append(script, "fi")

	return strings.Join(script, "\n")
}

// hintComment renders resource hints into a comment so serial and tmux
// scripts still show what the user asked for.
func hintComment(job *Job) string {
	var parts []string
	if job.CPUs > 0 {
		parts = append(parts, fmt.Sprintf("cpus=%d", job.CPUs))
	}
	if job.GPUs > 0 {
		parts = append(parts, fmt.Sprintf("gpus=%d", job.GPUs))
	}
	if job.Mem != "" {
		parts = append(parts, "mem="+job.Mem)
	}
	if job.Partition != "" {
		parts = append(parts, "partition="+job.Partition)
	}
	if job.Begin != "" {
		parts = append(parts, "begin="+job.Begin)
	}
	if len(parts) == 0 {
		return ""
	}
	return "# " + strings.Join(parts, " ")
}

// bashJSONDump builds a printf command that writes a one-line json file from
// inside bash. Keys come with a printf verb and the bash expression that
// fills it.
func bashJSONDump(parts [][3]string, fpath string) string {
	body := make([]string, 0, len(parts))
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		body = append(body, fmt.Sprintf("\"%s\": %s", p[0], p[1]))
		args = append(args, fmt.Sprintf("\"%s\"", p[2]))
	}
	return fmt.Sprintf("printf '{%s}\\n' \\\n    %s \\\n    > %s",
		strings.Join(body, ", "), strings.Join(args, " "), shQuote(fpath))
}
