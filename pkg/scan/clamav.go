/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scan

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// clamscan exit codes.
const (
	clamExitClean    = 0
	clamExitInfected = 1
)

// ClamAV invokes the clamscan binary on files.
type ClamAV struct {
	Binary    string
	Timeout   time.Duration
	ExtraArgs []string // sanitized against the allowlist per scan
}

// clamAllow is the only set of flags a ClamAV invocation may carry.
// --max-filesize is clamped per call to the scanned file's size.
var clamAllow = map[string]FlagSpec{
	"--no-summary":    {},
	"--stdout":        {},
	"--timeout":       {Numeric: true, Max: 30},
	"--max-recursion": {Numeric: true, Max: 32},
	"--max-filesize":  {Numeric: true, Max: 0}, // max set per scan
}

func (c *ClamAV) Name() string { return "clamav" }

// Argv returns the exact sanitized argument vector used to scan path.
func (c *ClamAV) Argv(path string) ([]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	allow := make(map[string]FlagSpec, len(clamAllow))
	for k, v := range clamAllow {
		if k == "--max-filesize" {
			v.Max = fi.Size()
		}
		allow[k] = v
	}
	args := append([]string{"--no-summary", "--stdout"}, c.ExtraArgs...)
	return append(SanitizeArgs(args, allow), path), nil
}

func (c *ClamAV) Scan(ctx context.Context, path string) Result {
	argv, err := c.Argv(path)
	if err != nil {
		return Result{Verdict: VerdictError, Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.Binary, argv...).Output()
	if err == nil {
		return Result{Verdict: VerdictClean}
	}
	if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == clamExitInfected {
		return Result{Verdict: VerdictInfected, Signatures: parseClamSignatures(string(out))}
	}
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("clamscan timed out after %v", timeout)
	}
	return Result{Verdict: VerdictError, Err: err}
}

// parseClamSignatures extracts signature names from clamscan output
// lines of the form "/path/to/file: Eicar-Signature FOUND".
func parseClamSignatures(out string) []string {
	var sigs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		if _, sig, ok := strings.Cut(line, ": "); ok {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}
