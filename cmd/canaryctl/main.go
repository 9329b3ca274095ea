// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command canaryctl manages canaries through the canaryd HTTP API.
//
// # Exit Codes
//
//   - 0: success
//   - 1: usage, transport or API error
//   - 2: invalid chain, partial replay failure, or invalid purge age
//   - 3: purge aborted at the confirmation prompt
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianCanary/services/canary/config"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withCode wraps err so that main exits with code. A nil err still exits
// with code; the command has already reported the reason.
func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app holds state shared by every command.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// apiFlag is the --api value; it wins over configuration.
	apiFlag string

	// configured skips loading configuration (tests set the fields).
	configured bool
	baseURL    string
	threshold  int

	client *apiClient
}

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(a.execute(os.Args[1:]))
}

// execute runs the CLI and maps the result to an exit code.
func (a *app) execute(args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(a.stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(a.stderr, "Error:", err)
	return 1
}

// setup resolves the API base URL and prompt threshold.
func (a *app) setup() error {
	if !a.configured {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		a.baseURL = cfg.CLI.APIURL
		a.threshold = cfg.CLI.PurgeConfirmThreshold
		a.configured = true
	}
	if a.apiFlag != "" {
		a.baseURL = a.apiFlag
	}
	a.client = newAPIClient(a.baseURL)
	return nil
}
