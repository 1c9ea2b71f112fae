package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Monitor renders live progress for a session by polling its job_info
// directory. It is purely a consumer of status files: the emitters never
// reference it, so the generated artifacts stay debuggable without it.

var (
	passColor = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	skipColor = color.New(color.FgYellow)
	runColor  = color.New(color.FgCyan)
)

func colorForState(state JobState) *color.Color {
	switch state {
	case StatePassed:
		return passColor
	case StateFailed:
		return failColor
	case StateSkipped:
		return skipColor
	case StateStarted:
		return runColor
	}
	return color.New(color.Reset)
}

// renderStatusTable prints one tick of the progress table.
func renderStatusTable(statuses []JobStatus) {
	fmt.Printf("%-40s %-10s\n", "NAME", "STATE")
	fmt.Println(strings.Repeat("-", 51))
	for _, st := range statuses {
		colorForState(st.State).Printf("%-40s %-10s\n", st.Name, st.State)
	}
	snap := snapshotOf(statuses)
	fmt.Printf("total=%d passed=%d failed=%d skipped=%d started=%d pending=%d\n",
		snap.Total, snap.Passed, snap.Failed, snap.Skipped, snap.Started, snap.Pending)
}

// renderProgressLine prints a compact single-line summary, overwriting the
// previous one.
func renderProgressLine(snap Snapshot) {
	done := snap.Passed + snap.Failed + snap.Skipped
	line := fmt.Sprintf("\rcmdq: %d/%d done", done, snap.Total)
	line += passColor.Sprintf(" passed=%d", snap.Passed)
	if snap.Failed > 0 {
		line += failColor.Sprintf(" failed=%d", snap.Failed)
	} else {
		line += fmt.Sprintf(" failed=%d", snap.Failed)
	}
	if snap.Skipped > 0 {
		line += skipColor.Sprintf(" skipped=%d", snap.Skipped)
	} else {
		line += fmt.Sprintf(" skipped=%d", snap.Skipped)
	}
	fmt.Print(line + "   ")
}

// MonitorQueue polls a queue until every job is terminal, printing progress
// on each tick. Returns the final snapshot.
func MonitorQueue(q *Queue, refresh time.Duration) Snapshot {
	if refresh <= 0 {
		refresh = 400 * time.Millisecond
	}
	for {
		snap := q.Snapshot()
		renderProgressLine(snap)
		if snap.Terminal() {
			fmt.Println()
			return snap
		}
		time.Sleep(refresh)
	}
}

// MonitorDir polls a bare job_info directory until terminal, for sessions
// started by another process.
func MonitorDir(infoDpath string, refresh time.Duration) (Snapshot, error) {
	if refresh <= 0 {
		refresh = 400 * time.Millisecond
	}
	for {
		statuses, err := readStateDir(infoDpath)
		if err != nil {
			return Snapshot{}, err
		}
		snap := snapshotOf(statuses)
		renderProgressLine(snap)
		if snap.Total > 0 && snap.Terminal() {
			fmt.Println()
			renderStatusTable(statuses)
			return snap, nil
		}
		time.Sleep(refresh)
	}
}
