// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/zeroclaw-labs/fleetlink/wire"
)

// Runner executes an exec command on the node. The result carries the
// process outcome, exit code included; the error is reserved for
// failures to run the command at all.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (wire.ExecResult, error)
}

// shellRunner runs commands through sh -c.
type shellRunner struct{}

var _ Runner = shellRunner{}

func (shellRunner) Run(ctx context.Context, command string, timeout time.Duration) (wire.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := wire.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case err == nil:
		result.ExitCode = 0
	case ctx.Err() != nil:
		// Killed by the timeout. The signaled process reports -1; the
		// context check comes first because the kill also surfaces as
		// an ExitError.
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr, "command timed out")
	case isExitError(err):
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return wire.ExecResult{}, err
	}
	return result, nil
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		return s + "\n" + line
	}
	return s + line
}
