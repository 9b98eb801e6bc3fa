// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Limits bound one sandboxed run. Zero fields use the SandboxConfig defaults.
type Limits struct {
	Timeout     time.Duration `json:"timeout,omitempty"`
	MemoryBytes uint64        `json:"memoryBytes,omitempty"`
}

// SandboxResult is the outcome of RunSandboxed.
type SandboxResult struct {
	Success   bool          `json:"success"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  int           `json:"exitCode"`
	TimedOut  bool          `json:"timedOut,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunSandboxed executes code with args under limits.
//
// # Description
//
// The code is written to a file in a fresh temporary directory, which is
// also the working directory and HOME of the process, and removed
// afterwards. The environment holds only PATH, HOME and TMPDIR. Stdout
// becomes Result and stderr becomes Error, each capped at MaxOutputBytes.
//
// # Inputs
//
//   - ctx: Cancelling it kills the process.
//   - code: Script body, run by the configured interpreter.
//   - args: Appended after the script path.
//   - limits: Per-run bounds.
//
// # Outputs
//
//   - SandboxResult: Success is true only for exit status 0 within the
//     time limit. Setup failures are reported in Error, never panicked.
func (s *Service) RunSandboxed(ctx context.Context, code string, args []string, limits Limits) SandboxResult {
	start := time.Now()
	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = s.sandbox.DefaultTimeout
	}
	memory := limits.MemoryBytes
	if memory == 0 {
		memory = s.sandbox.DefaultMemoryBytes
	}

	fail := func(err error) SandboxResult {
		return SandboxResult{Error: err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}

	dir, err := os.MkdirTemp("", "filebatch-sandbox-*")
	if err != nil {
		return fail(fmt.Errorf("creating sandbox dir: %w", err))
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "script")
	if err := os.WriteFile(script, []byte(code), 0o700); err != nil {
		return fail(fmt.Errorf("writing script: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append([]string{}, s.sandbox.Interpreter[1:]...)
	argv = append(argv, script)
	argv = append(argv, args...)

	cmd := exec.CommandContext(runCtx, s.sandbox.Interpreter[0], argv...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	cmd.WaitDelay = 500 * time.Millisecond

	stdout := newCappedBuffer(s.sandbox.MaxOutputBytes)
	stderr := newCappedBuffer(s.sandbox.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureCommand(cmd)

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("starting sandbox: %w", err))
	}
	if err := applyMemoryLimit(cmd.Process.Pid, memory); err != nil {
		s.logger.Warn("sandbox memory limit not applied",
			slog.Int("pid", cmd.Process.Pid),
			slog.String("error", err.Error()))
	}

	waitErr := cmd.Wait()
	res := SandboxResult{
		Result:    stdout.String(),
		Error:     stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.Error = appendLine(res.Error, fmt.Sprintf("sandbox timeout after %s", timeout))
	case ctx.Err() != nil:
		res.Error = appendLine(res.Error, ctx.Err().Error())
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.Error = appendLine(res.Error, waitErr.Error())
		}
	default:
		res.Success = res.ExitCode == 0
	}

	s.logger.Debug("sandbox run finished",
		slog.Bool("success", res.Success),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", res.Duration))

	return res
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

// cappedBuffer keeps the first max bytes written and drops the rest while
// still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
