// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package modbuild

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Config holds the directories and options of a build.
type Config struct {
	// EngineDir is the pristine engine checkout.
	EngineDir string
	// ModDir holds mod.json and the mod's files.
	ModDir string
	// BuildDir and OutputDir are removed and recreated by every build.
	BuildDir  string
	OutputDir string
	// WindowsRuntimeDir holds love.exe and its DLLs. Empty skips the
	// Windows executable.
	WindowsRuntimeDir string
	// RemoveMods lists the engine's bundled mods that are deleted.
	RemoveMods []string
	// Metadata entries are applied after those derived from mod.json. An
	// empty value deletes the key.
	Metadata map[string]string
	// Year stamps LegalCopyright; zero means the current year.
	Year int
}

// DefaultConfig returns the layout used when no configuration file is given.
func DefaultConfig() Config {
	return Config{
		EngineDir:  "kristal",
		ModDir:     "mod",
		BuildDir:   "build",
		OutputDir:  "output",
		RemoveMods: []string{"_testmod", "example"},
	}
}

// LoadConfig reads an INI file on top of DefaultConfig. Keys that are absent
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	f, err := ini.Load(path)
	if err != nil {
		return c, fmt.Errorf("loading config %q: %w", path, err)
	}

	paths := f.Section("paths")
	c.EngineDir = paths.Key("engine").MustString(c.EngineDir)
	c.ModDir = paths.Key("mod").MustString(c.ModDir)
	c.BuildDir = paths.Key("build").MustString(c.BuildDir)
	c.OutputDir = paths.Key("output").MustString(c.OutputDir)
	c.WindowsRuntimeDir = paths.Key("windows_runtime").MustString(c.WindowsRuntimeDir)

	build := f.Section("build")
	if build.HasKey("remove_mods") {
		c.RemoveMods = nil
		for _, m := range build.Key("remove_mods").Strings(",") {
			if m = strings.TrimSpace(m); m != "" {
				c.RemoveMods = append(c.RemoveMods, m)
			}
		}
	}
	c.Year = build.Key("year").MustInt(c.Year)

	if f.HasSection("metadata") {
		keys := f.Section("metadata").Keys()
		c.Metadata = make(map[string]string, len(keys))
		for _, k := range keys {
			c.Metadata[k.Name()] = k.String()
		}
	}
	return c, nil
}
