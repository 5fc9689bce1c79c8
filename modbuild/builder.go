// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package modbuild packages a Kristal mod together with the engine into a
// .love archive and, given a LÖVE runtime, a fused Windows executable whose
// version resource describes the mod.
package modbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/kristal-tools/modpack/verpatch"
	"github.com/kristal-tools/modpack/versioninfo"
)

const (
	engineBuildName = "kristal"
	vendcustPath    = "src/engine/vendcust.lua"
	titleLogoDir    = "assets/sprites/kristal"
)

// splashLogos maps files under the mod's preview directory to the engine
// sprites they replace.
var splashLogos = []struct{ src, dst string }{
	{"splash_logo.png", "title_logo.png"},
	{"splash_logo_heart.png", "title_logo_heart.png"},
}

// Result lists what a build produced.
type Result struct {
	Mod      *Mod
	LovePath string
	// ExePath and ZipPath are empty when no Windows runtime was configured.
	ExePath string
	ZipPath string
	// VersionPatched is false when the executable ships with the runtime's
	// own version resource.
	VersionPatched bool
}

// Builder runs the packaging pipeline described by Config.
type Builder struct {
	Config Config
	Logger hclog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewBuilder returns a Builder logging to logger.
func NewBuilder(cfg Config, logger hclog.Logger) *Builder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Builder{Config: cfg, Logger: logger, Now: time.Now}
}

func (b *Builder) year() int {
	if b.Config.Year != 0 {
		return b.Config.Year
	}
	if b.Now != nil {
		return b.Now().Year()
	}
	return time.Now().Year()
}

// PatchSet returns the version resource edits for m, including the
// configured metadata overrides.
func (b *Builder) PatchSet(m *Mod) *versioninfo.PatchSet {
	ps := m.PatchSet(b.year())
	addMetadata(ps, b.Config.Metadata)
	return ps
}

// Run performs a full build. The build and output directories are
// recreated from scratch.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	cfg := b.Config
	logger := b.Logger

	mod, err := LoadMod(cfg.ModDir)
	if err != nil {
		return nil, err
	}
	logger = logger.With("mod", mod.ID)

	if err := resetDir(cfg.BuildDir); err != nil {
		return nil, err
	}
	if err := resetDir(cfg.OutputDir); err != nil {
		return nil, err
	}

	engine := filepath.Join(cfg.BuildDir, engineBuildName)
	logger.Info("copying engine", "from", cfg.EngineDir)
	if err := copyTree(cfg.EngineDir, engine, skipGit); err != nil {
		return nil, fmt.Errorf("copying engine: %w", err)
	}

	modPath := filepath.Join(engine, "mods", mod.ID)
	logger.Info("copying mod", "to", modPath)
	if err := copyTree(cfg.ModDir, modPath, skipGit); err != nil {
		return nil, fmt.Errorf("copying mod: %w", err)
	}

	if err := appendTargetMod(filepath.Join(engine, vendcustPath), mod.ID); err != nil {
		return nil, err
	}

	if err := applyPatches(ctx, logger, engine, filepath.Join(modPath, "patches")); err != nil {
		return nil, err
	}

	for _, logo := range splashLogos {
		src := filepath.Join(modPath, "preview", logo.src)
		if !fileExists(src) {
			continue
		}
		logger.Debug("replacing splash logo", "file", logo.dst)
		if err := copyFile(src, filepath.Join(engine, titleLogoDir, logo.dst), 0o644); err != nil {
			return nil, fmt.Errorf("replacing splash logo: %w", err)
		}
	}

	logger.Info("removing default mods", "mods", cfg.RemoveMods)
	for _, name := range cfg.RemoveMods {
		if name == mod.ID || name == "" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(engine, "mods", name)); err != nil {
			return nil, err
		}
	}

	res := &Result{Mod: mod, LovePath: filepath.Join(cfg.OutputDir, mod.ID+".love")}
	logger.Info("creating love file", "path", res.LovePath)
	if err := writeZip(res.LovePath, engine, logger); err != nil {
		return nil, fmt.Errorf("creating love file: %w", err)
	}

	if cfg.WindowsRuntimeDir == "" {
		return res, nil
	}
	if err := b.buildWindows(ctx, logger, mod, modPath, res); err != nil {
		return nil, err
	}
	return res, nil
}

func appendTargetMod(path, id string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "TARGET_MOD = %q\n", id); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *Builder) buildWindows(ctx context.Context, logger hclog.Logger, mod *Mod, modPath string, res *Result) error {
	cfg := b.Config
	logger = logger.Named("windows")

	base, err := os.ReadFile(filepath.Join(cfg.WindowsRuntimeDir, runtimeExe))
	if err != nil {
		return err
	}

	if iconPath := filepath.Join(modPath, "preview", "icon.png"); fileExists(iconPath) {
		f, err := os.Open(iconPath)
		if err != nil {
			return err
		}
		base, err = replaceIcon(base, f)
		f.Close()
		if err != nil {
			return err
		}
		logger.Debug("replaced icon", "icon", iconPath)
	}

	unfused := filepath.Join(cfg.BuildDir, mod.ID+".exe")
	if err := os.WriteFile(unfused, base, 0o755); err != nil {
		return err
	}

	err = verpatch.PatchFile(unfused, unfused, b.PatchSet(mod), verpatch.WithLogger(logger.Named("verpatch")))
	switch kind := verpatch.Classify(err); {
	case err == nil:
		res.VersionPatched = true
	case kind == verpatch.KindSectionRelocationFailed:
		logger.Warn("shipping executable without mod version info", "error", err)
	default:
		return fmt.Errorf("patching version info (%s): %w", kind, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	stage := filepath.Join(cfg.BuildDir, mod.ID+"-win")
	if err := resetDir(stage); err != nil {
		return err
	}
	res.ExePath = filepath.Join(stage, mod.ID+".exe")
	logger.Info("fusing executable", "path", res.ExePath)
	if err := fuse(res.ExePath, unfused, res.LovePath); err != nil {
		return fmt.Errorf("fusing executable: %w", err)
	}
	if err := stageRuntime(cfg.WindowsRuntimeDir, stage); err != nil {
		return fmt.Errorf("copying runtime: %w", err)
	}

	res.ZipPath = filepath.Join(cfg.OutputDir, mod.ID+"-win.zip")
	logger.Info("creating windows archive", "path", res.ZipPath)
	if err := writeZip(res.ZipPath, stage, logger); err != nil {
		return fmt.Errorf("creating windows archive: %w", err)
	}
	return nil
}
