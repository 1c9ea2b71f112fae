package main

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShQuote(t *testing.T) {
	assert.Equal(t, "echo", shQuote("echo"))
	assert.Equal(t, "./script.sh", shQuote("./script.sh"))
	assert.Equal(t, "--flag=value", shQuote("--flag=value"))
	assert.Equal(t, "'a b'", shQuote("a b"))
	assert.Equal(t, `'it'"'"'s'`, shQuote("it's"))
	assert.Equal(t, "''", shQuote(""))
	assert.Equal(t, "'$HOME'", shQuote("$HOME"))
	assert.Equal(t, "'a && b'", shQuote("a && b"))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my-queue", sanitizeName("my-queue"))
	assert.Equal(t, "my-queue-2", sanitizeName("my queue/2"))
	assert.Equal(t, "a_b.c", sanitizeName("a_b.c"))
	assert.Equal(t, "queue", sanitizeName(""))
}

func TestNewSessionID(t *testing.T) {
	id := newSessionID("my queue")
	// <sanitized-name>-<UTC-timestamp>-<short-hash>
	pattern := regexp.MustCompile(`^my-queue-\d{8}T\d{6}-[0-9a-f]{8}$`)
	assert.True(t, pattern.MatchString(id), id)

	other := newSessionID("my queue")
	assert.NotEqual(t, id, other)
}

func TestIndentLines(t *testing.T) {
	in := "one\ntwo\n\nthree"
	out := indentLines(in, "    ")
	assert.Equal(t, "    one\n    two\n\n    three", out)
}

func TestIndentedBlocksHaveNoHeredocs(t *testing.T) {
	e := &bashEmitter{WithStatus: true, WithGuards: true}
	dep := testJob(t, "dep", "true")
	job := testJob(t, "j", "echo deep", dep)
	block := e.emitJob(job, 1, 2, nil, nil)
	assert.False(t, strings.Contains(block, "<<"), "guarded blocks must not use heredocs")
}
