// Package gitexec invokes the system git binary for user-requested
// passthrough. This is the only place in the program that runs git;
// every invocation is an argument vector handed straight to the
// process, never a shell line, and callers must clear the permission
// gate first. A missing git binary is a condition to report, not a
// startup failure.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"kissa/internal/logging"
)

// Result captures one git invocation.
type Result struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// LookPath reports where the system git lives, if anywhere.
func LookPath() (string, bool) {
	path, err := exec.LookPath("git")
	return path, err == nil
}

// ErrNoGit is returned when no git binary is on PATH.
var ErrNoGit = errors.New("no git binary on PATH")

// Run executes git with the given argument vector in dir. A non-zero
// exit is not an error here; the exit code rides on the Result so the
// caller can surface git's own message.
func Run(ctx context.Context, dir string, args []string) (*Result, error) {
	gitPath, ok := LookPath()
	if !ok {
		return nil, ErrNoGit
	}

	logging.Component("gitexec").WithField("dir", dir).
		Debugf("git %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, gitPath, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Args:   args,
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}
