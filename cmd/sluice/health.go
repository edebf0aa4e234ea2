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

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"sluice.dev/pkg/health"
	"sluice.dev/pkg/scan"
	"sluice.dev/pkg/storage/localdisk"
)

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the engine's dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			disk, err := localdisk.New(opts.dataDir)
			if err != nil {
				return err
			}

			var rules *scan.RuleManager
			if cfg.YaraRulesDir != "" {
				rules = scan.NewRuleManager(cfg.YaraRulesDir, cfg.YaraExpectedHash)
			}

			// No job bus runs inside this process; the queue probe
			// belongs to the embedding server, not the CLI.
			checker := health.NewChecker(
				&health.DiskProbe{ProbeName: "quarantine_disk", Storage: disk, Disk: cfg.QuarantineDisk},
				&health.DiskProbe{ProbeName: "media_disk", Storage: disk, Disk: cfg.DefaultDisk},
				&health.BinaryProbe{ProbeName: "av_binary", Binary: cfg.AVBinary},
				&health.YaraRulesProbe{Rules: rules},
			)
			results := checker.Run(cmd.Context())

			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := results[name]
				state := "ok"
				if !st.OK {
					state = "FAIL"
				}
				if st.Detail != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s (%s)\n", name, state, st.Detail)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", name, state)
				}
			}
			if !health.Healthy(results) {
				return fmt.Errorf("one or more probes failed")
			}
			return nil
		},
	}
}
