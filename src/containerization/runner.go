// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ArtifactPlaceholder is replaced in an invocation command with the path of
// the artifact as seen by the engine.
const ArtifactPlaceholder = "{artifact}"

// Invocation is one call into an external forensic engine.
type Invocation struct {
	Image        string
	Command      []string
	ArtifactPath string // host path
}

// Runner executes an engine and returns its standard output.
type Runner interface {
	Run(ctx context.Context, inv Invocation) ([]byte, error)
}

// ExitError reports an engine that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 512 {
		stderr = stderr[:512] + "..."
	}
	return fmt.Sprintf("engine exited with status %d: %s", e.Code, stderr)
}

func expandCommand(cmd []string, artifactPath string) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		out[i] = strings.ReplaceAll(arg, ArtifactPlaceholder, artifactPath)
	}
	return out
}

// LocalRunner runs engines installed on the worker host. Image is ignored.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	if len(inv.Command) == 0 {
		return nil, errors.New("empty engine command")
	}
	args := expandCommand(inv.Command, inv.ArtifactPath)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}
