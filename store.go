package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

// storedJob is one row of a persisted CLI queue definition.
type storedJob struct {
	Name    string
	Command string
	Depends []string
	Tags    []string
}

func initDB(dataDir string) error {
	dbPath := filepath.Join(dataDir, "queues.db")

	err := os.MkdirAll(dataDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err = sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS queues (
			name TEXT PRIMARY KEY,
			header TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS queue_jobs (
			queue TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			depends TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (queue, seq),
			FOREIGN KEY (queue) REFERENCES queues(name) ON DELETE CASCADE
		);
		`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// CreateQueueRecord starts a fresh named queue definition, replacing any
// previous one with the same name.
func CreateQueueRecord(name, header string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.Exec(`DELETE FROM queue_jobs WHERE queue = ?`, name); err != nil {
		return fmt.Errorf("failed to clear queue jobs: %w", err)
	}
	_, err := db.Exec(`
		INSERT INTO queues (name, header, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET header = excluded.header, created_at = excluded.created_at`,
		name, header, now)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	return nil
}

// AppendQueueJob adds one command to a named queue definition.
func AppendQueueJob(queue string, job storedJob) error {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM queues WHERE name = ?`, queue).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up queue: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("no such queue: %q (create it with `cmdq new %s`)", queue, queue)
	}
	_, err = db.Exec(`
		INSERT INTO queue_jobs (queue, seq, name, command, depends, tags)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_jobs WHERE queue = ?), ?, ?, ?, ?)`,
		queue, queue, job.Name, job.Command,
		strings.Join(job.Depends, ","), strings.Join(job.Tags, ","))
	if err != nil {
		return fmt.Errorf("failed to append job: %w", err)
	}
	return nil
}

// LoadQueueRecord reads a named queue definition back.
func LoadQueueRecord(name string) (header string, jobs []storedJob, err error) {
	err = db.QueryRow(`SELECT header FROM queues WHERE name = ?`, name).Scan(&header)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("no such queue: %q", name)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load queue: %w", err)
	}

	rows, err := db.Query(`
		SELECT name, command, depends, tags FROM queue_jobs
		WHERE queue = ? ORDER BY seq`, name)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load queue jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var job storedJob
		var depends, tags string
		if err := rows.Scan(&job.Name, &job.Command, &depends, &tags); err != nil {
			return "", nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Depends = splitCSV(depends)
		job.Tags = splitCSV(tags)
		jobs = append(jobs, job)
	}
	return header, jobs, rows.Err()
}

// ListQueueNames returns every persisted queue name.
func ListQueueNames() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan queue name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
