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

// Package scan coordinates the malware scanners over quarantined
// files: the antivirus binary first, then YARA, both only ever invoked
// after the magic-byte validator accepted the file.
//
// Scanner invocations are argument-sanitized: only allowlisted flags
// pass through, and numeric flags are clamped to configured maxima.
package scan

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/upload"
)

// DefaultTimeout bounds a single scanner invocation.
const DefaultTimeout = 30 * time.Second

// Verdict is a scanner's conclusion about one file.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictInfected
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	}
	return "error"
}

// Result is the outcome of one scanner over one file.
type Result struct {
	Verdict    Verdict
	Signatures []string // set when infected
	Err        error    // set when Verdict == VerdictError
}

// Scanner scans a file addressed by path.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, path string) Result
}

// Coordinator runs the configured scanners in order with the
// profile's scan-mode fatality rules.
type Coordinator struct {
	av       Scanner
	yara     Scanner // nil when no rules are configured
	rules    *RuleManager
	log      *zap.Logger
	counters *metrics.Counters
}

// NewCoordinator returns a Coordinator. yara and rules may be nil when
// no YARA rules are configured.
func NewCoordinator(av, yara Scanner, rules *RuleManager, log *zap.Logger, c *metrics.Counters) *Coordinator {
	return &Coordinator{av: av, yara: yara, rules: rules, log: log.Named("scan"), counters: c}
}

// Scan runs the scanner chain over path. It returns nil when the file
// may proceed, or a fatal upload.Error.
func (c *Coordinator) Scan(ctx context.Context, path string, mode profile.ScanMode, correlationID string) error {
	if mode == profile.ScanDisabled {
		return nil
	}

	if err := c.runOne(ctx, c.av, path, mode, correlationID); err != nil {
		return err
	}

	if c.yara != nil {
		// Fail closed: a required-mode profile must not proceed past
		// rules whose integrity cannot be proven.
		if err := c.rules.Verify(); err != nil {
			c.log.Error("yara rules failed integrity check",
				zap.String("correlation", correlationID), zap.Error(err))
			if mode == profile.ScanRequired {
				return upload.E(upload.KindYaraRulesIntegrity, err).WithCorrelation(correlationID)
			}
		} else if err := c.runOne(ctx, c.yara, path, mode, correlationID); err != nil {
			return err
		}
	}

	c.log.Info("scan_passed", zap.String("correlation", correlationID))
	return nil
}

func (c *Coordinator) runOne(ctx context.Context, s Scanner, path string, mode profile.ScanMode, correlationID string) error {
	res := s.Scan(ctx, path)
	c.counters.ScanResults.WithLabelValues(res.Verdict.String()).Inc()

	switch res.Verdict {
	case VerdictInfected:
		c.log.Error("virus detected",
			zap.String("scanner", s.Name()),
			zap.Strings("signatures", res.Signatures),
			zap.String("correlation", correlationID))
		e := upload.E(upload.KindVirusDetected, nil).WithCorrelation(correlationID)
		e.Scanner = s.Name()
		e.Signatures = res.Signatures
		return e
	case VerdictError:
		if mode == profile.ScanRequired {
			e := upload.E(upload.KindScanFailed, res.Err).WithCorrelation(correlationID)
			e.Scanner = s.Name()
			return e
		}
		c.log.Warn("scanner failed, scan optional, continuing",
			zap.String("scanner", s.Name()),
			zap.String("correlation", correlationID),
			zap.Error(res.Err))
	}
	return nil
}
