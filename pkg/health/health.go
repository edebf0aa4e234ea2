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

// Package health probes the ingestion engine's dependencies. Probes
// run concurrently and independently; one failing probe never stops
// the others.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sluice.dev/pkg/events"
	"sluice.dev/pkg/scan"
	"sluice.dev/pkg/storage"
)

// Status is one probe's outcome.
type Status struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Probe checks one dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) Status
}

// Checker runs a set of probes.
type Checker struct {
	probes []Probe
}

// NewChecker returns a Checker over probes.
func NewChecker(probes ...Probe) *Checker {
	return &Checker{probes: probes}
}

// Run executes all probes concurrently and returns name → status.
func (c *Checker) Run(ctx context.Context) map[string]Status {
	var (
		mu  sync.Mutex
		out = make(map[string]Status, len(c.probes))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range c.probes {
		p := p
		g.Go(func() error {
			st := p.Check(ctx)
			mu.Lock()
			out[p.Name()] = st
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Healthy reports whether every probe in results passed.
func Healthy(results map[string]Status) bool {
	for _, st := range results {
		if !st.OK {
			return false
		}
	}
	return true
}

// DiskProbe verifies that a storage disk accepts writes and deletes.
type DiskProbe struct {
	ProbeName string
	Storage   storage.Storage
	Disk      string
}

func (p *DiskProbe) Name() string { return p.ProbeName }

func (p *DiskProbe) Check(ctx context.Context) Status {
	path := ".healthcheck"
	if _, err := p.Storage.WriteStream(ctx, p.Disk, path, strings.NewReader("ok")); err != nil {
		return Status{Detail: fmt.Sprintf("write: %v", err)}
	}
	if err := p.Storage.DeleteIfExists(ctx, p.Disk, path); err != nil {
		return Status{Detail: fmt.Sprintf("delete: %v", err)}
	}
	return Status{OK: true}
}

// BinaryProbe verifies that the scanner binary exists and is
// executable.
type BinaryProbe struct {
	ProbeName string
	Binary    string
}

func (p *BinaryProbe) Name() string { return p.ProbeName }

func (p *BinaryProbe) Check(ctx context.Context) Status {
	path := p.Binary
	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return Status{Detail: err.Error()}
		}
		path = resolved
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Status{Detail: err.Error()}
	}
	if fi.IsDir() || fi.Mode().Perm()&0111 == 0 {
		return Status{Detail: fmt.Sprintf("%s is not executable", path)}
	}
	return Status{OK: true}
}

// YaraRulesProbe verifies the rule set's pinned hash.
type YaraRulesProbe struct {
	Rules *scan.RuleManager
}

func (p *YaraRulesProbe) Name() string { return "yara_rules" }

func (p *YaraRulesProbe) Check(ctx context.Context) Status {
	if p.Rules == nil {
		return Status{OK: true, Detail: "no rules configured"}
	}
	if err := p.Rules.Verify(); err != nil {
		return Status{Detail: err.Error()}
	}
	return Status{OK: true}
}

// QueueProbe verifies the job bus connection via a size probe.
type QueueProbe struct {
	Jobs events.JobBus
}

func (p *QueueProbe) Name() string { return "queue" }

func (p *QueueProbe) Check(ctx context.Context) Status {
	n, err := p.Jobs.Pending()
	if err != nil {
		return Status{Detail: err.Error()}
	}
	return Status{OK: true, Detail: fmt.Sprintf("%d pending", n)}
}
