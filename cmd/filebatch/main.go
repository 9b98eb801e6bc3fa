// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command filebatch plans and runs batches of file operations.
//
//	filebatch plan batch.yaml
//	filebatch run batch.yaml --dry-run
//	filebatch serve --addr 127.0.0.1:8088
//	filebatch watch batch.yaml
//	filebatch recover
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// errBatchIncomplete exits with code 2 or 3: the command ran but at least one
// operation did not succeed or changes were rolled back. Code 3 means a
// rollback left files unrestored.
var errBatchIncomplete = errors.New("batch did not complete")

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the command line and returns the exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{}
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	a.teardown()
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if !errors.Is(err, errBatchIncomplete) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return exit.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}
