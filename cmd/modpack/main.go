// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command modpack builds Kristal mods into distributable archives and edits
// the version resource of Windows executables.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/kristal-tools/modpack/verpatch"
	"github.com/spf13/cobra"
)

var (
	verboseFlag bool
	configFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "modpack",
	Short:         "Packages Kristal mods for distribution",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log every step")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "INI file with paths and metadata")
	rootCmd.AddCommand(buildCmd, patchCmd, dumpCmd)
}

func newLogger() hclog.Logger {
	level := hclog.Info
	if verboseFlag {
		level = hclog.Trace
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "modpack",
		Level:  level,
		Output: os.Stderr,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "modpack: %s: %v\n", verpatch.Classify(err), err)
		os.Exit(1)
	}
}
