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
	"os/exec"
	"strings"
	"time"
)

// YARA invokes the yara binary with a rules directory on files.
type YARA struct {
	Binary    string
	RulesDir  string
	Timeout   time.Duration
	ExtraArgs []string
}

var yaraAllow = map[string]FlagSpec{
	"--recursive":       {},
	"--fail-on-warnings": {},
	"--timeout":         {Numeric: true, Max: 30},
	"--stack-size":      {Numeric: true, Max: 65536},
}

func (y *YARA) Name() string { return "yara" }

// Argv returns the sanitized argument vector used to scan path.
func (y *YARA) Argv(path string) []string {
	args := SanitizeArgs(y.ExtraArgs, yaraAllow)
	return append(args, y.RulesDir, path)
}

func (y *YARA) Scan(ctx context.Context, path string) Result {
	timeout := y.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, y.Binary, y.Argv(path)...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("yara timed out after %v", timeout)
		}
		return Result{Verdict: VerdictError, Err: err}
	}
	// yara exits 0 whether or not rules matched; a match prints
	// "RuleName /path/to/file" per line.
	sigs := parseYaraMatches(string(out))
	if len(sigs) > 0 {
		return Result{Verdict: VerdictInfected, Signatures: sigs}
	}
	return Result{Verdict: VerdictClean}
}

func parseYaraMatches(out string) []string {
	var sigs []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			sigs = append(sigs, fields[0])
		}
	}
	return sigs
}
