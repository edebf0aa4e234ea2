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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sluice.dev/pkg/ingest"
	"sluice.dev/pkg/metrics"
	"sluice.dev/pkg/quarantine"
)

type rootOptions struct {
	configFile string
	dataDir    string
	verbose    bool
}

func (o *rootOptions) loadConfig() (*ingest.Config, error) {
	if o.configFile == "" {
		return ingest.ParseConfig(nil)
	}
	return ingest.LoadConfig(o.configFile)
}

func (o *rootOptions) quarantineStore(log *zap.Logger) (*quarantine.Store, *ingest.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	root := filepath.Join(o.dataDir, cfg.QuarantineDisk)
	store, err := quarantine.NewStore(cfg.QuarantineDisk, root, log, metrics.NewNopCounters())
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "sluice",
		Short:         "Secure multi-tenant upload ingestion engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to the JSON configuration file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", defaultDataDir(), "root directory holding the named disks")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newQuarantineCommand(opts))
	root.AddCommand(newHealthCommand(opts))
	return root
}

func defaultDataDir() string {
	if d := os.Getenv("SLUICE_DATA_DIR"); d != "" {
		return d
	}
	return "/var/lib/sluice"
}

func newQuarantineCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Quarantine area maintenance",
	}

	var hours int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove quarantine entries past their TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, _, err := opts.quarantineStore(log)
			if err != nil {
				return err
			}
			n, err := store.PruneStale(hours)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired quarantine entries\n", n)
			return nil
		},
	}
	prune.Flags().IntVar(&hours, "hours", 24, "fallback TTL for entries without one")

	sidecars := &cobra.Command{
		Use:   "cleanup-sidecars",
		Short: "Remove orphaned sidecars and unpaired blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, _, err := opts.quarantineStore(log)
			if err != nil {
				return err
			}
			n, err := store.CleanupOrphanedSidecars()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned quarantine files\n", n)
			return nil
		},
	}

	cmd.AddCommand(prune, sidecars)
	return cmd
}
