// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"github.com/kristal-tools/modpack/modbuild"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Builds the .love file and, with a runtime, the Windows executable",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

var buildFlags struct {
	engine, mod, build, output, runtime string
	year                                int
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildFlags.engine, "engine", "", "engine checkout to package")
	f.StringVar(&buildFlags.mod, "mod", "", "mod directory containing mod.json")
	f.StringVar(&buildFlags.build, "build-dir", "", "scratch directory, recreated on every build")
	f.StringVar(&buildFlags.output, "output", "", "output directory, recreated on every build")
	f.StringVar(&buildFlags.runtime, "windows-runtime", "", "LÖVE Windows runtime directory containing love.exe")
	f.IntVar(&buildFlags.year, "year", 0, "copyright year (default: current year)")
}

func loadConfig(cmd *cobra.Command) (modbuild.Config, error) {
	cfg := modbuild.DefaultConfig()
	if configFlag != "" {
		var err error
		if cfg, err = modbuild.LoadConfig(configFlag); err != nil {
			return cfg, err
		}
	}

	f := cmd.Flags()
	for name, dst := range map[string]*string{
		"engine":          &cfg.EngineDir,
		"mod":             &cfg.ModDir,
		"build-dir":       &cfg.BuildDir,
		"output":          &cfg.OutputDir,
		"windows-runtime": &cfg.WindowsRuntimeDir,
	} {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("year") {
		cfg.Year = buildFlags.year
	}
	return cfg, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger().Named("build")

	res, err := modbuild.NewBuilder(cfg, logger).Run(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("build finished", "love", res.LovePath)
	if res.ZipPath != "" {
		logger.Info("windows build finished", "zip", res.ZipPath, "version_patched", res.VersionPatched)
	}
	return nil
}
