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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// RuleManager guards the YARA rule set with a pinned content hash.
// A mismatch means the rules were tampered with or partially updated;
// required-mode scans then fail closed.
type RuleManager struct {
	dir          string
	expectedHash string

	mu       sync.Mutex
	verified bool
}

// NewRuleManager returns a manager for the rules under dir, pinned to
// expectedHash (sha256 hex over all rule files in name order).
func NewRuleManager(dir, expectedHash string) *RuleManager {
	return &RuleManager{dir: dir, expectedHash: expectedHash}
}

// Verify recomputes the rule-set hash and compares it with the pinned
// hash. The result is cached until Invalidate.
func (m *RuleManager) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verified {
		return nil
	}
	sum, err := m.hash()
	if err != nil {
		return fmt.Errorf("yara rules: %w", err)
	}
	if sum != m.expectedHash {
		return fmt.Errorf("yara rules: hash %s does not match expected %s", sum, m.expectedHash)
	}
	m.verified = true
	return nil
}

// Invalidate drops the cached verification, forcing the next Verify to
// re-hash. Call after a rules deployment.
func (m *RuleManager) Invalidate() {
	m.mu.Lock()
	m.verified = false
	m.mu.Unlock()
}

// Hash returns the current sha256 hex of the rule set, for pinning a
// fresh deployment.
func (m *RuleManager) Hash() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hash()
}

func (m *RuleManager) hash() (string, error) {
	var files []string
	err := filepath.WalkDir(m.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		rel, err := filepath.Rel(m.dir, f)
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})
		fh, err := os.Open(f)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, fh); err != nil {
			fh.Close()
			return "", err
		}
		fh.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
