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
	"fmt"
	"strconv"
	"strings"
)

// FlagSpec describes one allowlisted scanner flag.
type FlagSpec struct {
	// Numeric marks flags taking an integer value; values are clamped
	// to Max.
	Numeric bool
	Max     int64
}

// SanitizeArgs filters args down to the allowlist. Unknown flags are
// dropped; numeric values are clamped to their spec's maximum.
// Flags may be "--flag=value" or "--flag value".
func SanitizeArgs(args []string, allow map[string]FlagSpec) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasInline := strings.Cut(arg, "=")
		spec, ok := allow[name]
		if !ok {
			// Unknown flag: drop it, and its detached value if any.
			if !hasInline && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		if !spec.Numeric {
			out = append(out, name)
			continue
		}
		if !hasInline {
			if i+1 >= len(args) {
				continue
			}
			i++
			value = args[i]
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		if n > spec.Max {
			n = spec.Max
		}
		out = append(out, fmt.Sprintf("%s=%d", name, n))
	}
	return out
}
