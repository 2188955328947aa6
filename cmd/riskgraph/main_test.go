package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetMocks restores the original implementations.
func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	stdin = os.Stdin
	stdout = os.Stdout
	stderr = os.Stderr
}

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	stdout, stderr = out, errOut
	t.Cleanup(resetMocks)
	return out, errOut
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stdin closed") }

func TestHandlePanic(t *testing.T) {
	t.Run("writes panic log", func(t *testing.T) {
		_, errOut := captureOutput(t)
		var written string
		var exitCode = -1
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("graph exploded")
		}()

		assert.Equal(t, 2, exitCode)
		assert.True(t, strings.HasPrefix(written, "panic: graph exploded"))
		assert.Contains(t, written, "goroutine")
		assert.Contains(t, errOut.String(), "Details logged to panic.log")
	})

	t.Run("falls back to stderr", func(t *testing.T) {
		_, errOut := captureOutput(t)
		var exitCode = -1
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, exitCode)
		assert.Contains(t, errOut.String(), "Failed to write panic log: read-only filesystem")
		assert.Contains(t, errOut.String(), "panic: boom")
	})

	t.Run("no panic", func(t *testing.T) {
		captureOutput(t)
		osExit = func(int) { t.Fatal("osExit must not be called") }
		func() {
			defer handlePanic()
		}()
	})
}

func TestRunInteractive(t *testing.T) {
	out, errOut := captureOutput(t)
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "repl.db")

	input := strings.Join([]string{
		"",
		"version",
		"init --db " + db,
		"experiment create --id repl-1 --db " + db,
		"experiment list --db " + db,
		"no-such-command",
		"exit",
		"version",
	}, "\n")

	require.NoError(t, runInteractive(context.Background(), strings.NewReader(input)))

	assert.Contains(t, out.String(), "riskgraph version")
	assert.Contains(t, out.String(), "Knowledge store ready at")
	assert.Contains(t, out.String(), "repl-1")
	assert.Contains(t, out.String(), "Exiting riskgraph.")
	assert.Contains(t, errOut.String(), `unknown command "no-such-command"`)
	assert.Equal(t, 1, strings.Count(out.String(), "riskgraph version"), "input after exit is ignored")
}

func TestRunInteractive_ReadError(t *testing.T) {
	captureOutput(t)
	err := runInteractive(context.Background(), failingReader{})
	assert.EqualError(t, err, "stdin closed")
}
