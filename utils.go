package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const cmdqVersion = "0.1.0"

// GetDataDir resolves where cmdq keeps its queue database and session
// directories. CMDQ_DATA_DIR overrides the per-user cache location.
func GetDataDir() (string, error) {
	if envDir := os.Getenv("CMDQ_DATA_DIR"); envDir != "" {
		return envDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return filepath.Join(wd, ".cmdq"), nil
	}
	return filepath.Join(cacheDir, "cmdq"), nil
}

// sanitizeName maps a queue name onto the character set that is safe in file
// names and tmux session names.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" {
		out = "queue"
	}
	return out
}

// newSessionID builds the unique id that names one run's session directory:
// sanitized queue name, UTC timestamp, and a short random hash.
func newSessionID(name string) string {
	stamp := time.Now().UTC().Format("20060102T150405")
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", sanitizeName(name), stamp, hash)
}

// shQuote quotes s for use as a single word in generated bash. Safe strings
// pass through untouched so the scripts stay readable.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%+=:,./-_", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// indentLines indents every line of a block by prefix. Generated job bodies
// nest inside guard conditionals, so blocks must never contain heredocs.
func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// writeScript materializes a generated script with the executable bit set.
func writeScript(fpath, text string) error {
	if err := os.WriteFile(fpath, []byte(text), 0o755); err != nil {
		return fmt.Errorf("failed to write script %s: %w", fpath, err)
	}
	return nil
}

func findExe(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func fileExists(fpath string) bool {
	_, err := os.Stat(fpath)
	return err == nil
}
