// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kristal-tools/modpack/modbuild"
	"github.com/kristal-tools/modpack/verpatch"
	"github.com/kristal-tools/modpack/versioninfo"
	"github.com/spf13/cobra"
)

var patchCmd = &cobra.Command{
	Use:   "patch <in.exe> <out.exe>",
	Short: "Edits the version resource of an executable",
	Long: `Edits the string tables of the VERSIONINFO resource. Every --set adds
one Key=Value edit; an empty value deletes the key. FileVersion and
ProductVersion also update the binary version numbers.`,
	Args: cobra.ExactArgs(2),
	RunE: runPatch,
}

var setFlags []string

func init() {
	patchCmd.Flags().StringArrayVarP(&setFlags, "set", "s", nil, "Key=Value edit (repeatable)")
}

// parseSetFlags turns Key=Value arguments into a PatchSet, in order.
func parseSetFlags(sets []string) (*versioninfo.PatchSet, error) {
	ps := versioninfo.NewPatchSet()
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: want Key=Value", s)
		}
		if key = strings.TrimSpace(key); key == "" {
			return nil, fmt.Errorf("--set %q: empty key", s)
		}
		ps.Add(key, versioninfo.PatchFromString(value))
	}
	return ps, nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	ps, err := parseSetFlags(setFlags)
	if err != nil {
		return err
	}
	if configFlag != "" {
		cfg, err := modbuild.LoadConfig(configFlag)
		if err != nil {
			return err
		}
		// Command line edits win over configured metadata.
		merged := versioninfo.NewPatchSet()
		keys := make([]string, 0, len(cfg.Metadata))
		for k := range cfg.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := ps.Get(k); !ok {
				merged.Add(k, versioninfo.PatchFromString(cfg.Metadata[k]))
			}
		}
		for _, k := range ps.Keys() {
			p, _ := ps.Get(k)
			merged.Add(k, p)
		}
		ps = merged
	}
	return verpatch.PatchFile(args[0], args[1], ps, verpatch.WithLogger(newLogger().Named("verpatch")))
}
