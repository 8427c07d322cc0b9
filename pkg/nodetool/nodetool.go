// Package nodetool spawns the external administrative CLI (nodetool by
// default) and captures its output. It treats the CLI as an opaque
// subprocess: only argv construction and stdout/stderr/exit-code shape are
// a contract.
package nodetool

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Result is the outcome of one CLI invocation.
type Result struct {
	Success bool
	Cmd     string
	Stdout  string
	Stderr  string
}

// Runner invokes the admin CLI. Production code uses ExecRunner; tests
// substitute a fake that never touches a real process.
type Runner interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// ExecRunner runs argv as a real child process.
type ExecRunner struct{}

// Run spawns argv[0] with the remaining elements as arguments, waits for
// it, and reports success as exitCode == 0. A failure to start the child
// at all (binary missing, permission denied, ...) is reported the same way
// repair/CLI failures are: Success = false with a synthetic stderr, never
// as a Go error, so callers have one failure path to handle.
func (ExecRunner) Run(ctx context.Context, argv []string) (Result, error) {
	rendered := strings.Join(argv, " ")
	if len(argv) == 0 {
		return Result{Success: false, Cmd: rendered, Stderr: "nodetool: empty command"}, nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return Result{Success: false, Cmd: rendered, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		return Result{Success: false, Cmd: rendered, Stdout: stdout.String(), Stderr: err.Error()}, nil
	}

	return Result{Success: true, Cmd: rendered, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
