package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/xkilldash9x/riskgraph/cmd"
	"github.com/xkilldash9x/riskgraph/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
  riskgraph %s
  knowledge store and risk register for security triage
  type a command (e.g. "experiment list"), or "exit" to quit

`

// Swapped out in tests.
var (
	osWriteFile           = os.WriteFile
	osExit                = os.Exit
	stdin       io.Reader = os.Stdin
	stdout      io.Writer = os.Stdout
	stderr      io.Writer = os.Stderr
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		if err := cmd.Execute(ctx); err != nil {
			// cmd.Execute logs the error; only the exit code is decided here.
			if errors.Is(err, context.Canceled) {
				osExit(0)
			} else {
				osExit(1)
			}
		}
		return
	}

	if err := runInteractive(ctx, stdin); err != nil {
		fmt.Fprintln(stderr, "Error reading from stdin:", err)
		osExit(1)
	}
}

// runInteractive reads commands line by line until EOF, "exit" or "quit".
func runInteractive(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(stdout, banner, cmd.Version)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(stdout, "riskgraph > ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeInteractiveCommand(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Exiting riskgraph.")
	return nil
}

// executeInteractiveCommand runs one line on a fresh command tree so flags
// never carry over between lines. A failing or panicking command does not
// end the session.
func executeInteractiveCommand(ctx context.Context, line string) {
	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(strings.Fields(line))
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "Error: command panicked: %v\n", r)
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "Error:", err)
	}
}

// handlePanic records a crash in panic.log and exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(stderr, "riskgraph crashed. Details logged to %s\n", panicLogFile)
	osExit(2)
}
