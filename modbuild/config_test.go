// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package modbuild

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modpack.ini")
	content := `
[paths]
engine = ../kristal
windows_runtime = runtime/love-11.5-win64

[build]
remove_mods = _testmod, example , ,extra
year = 2023

[metadata]
Comments = built by modpack
LegalTrademarks =
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	want.EngineDir = "../kristal"
	want.WindowsRuntimeDir = "runtime/love-11.5-win64"
	want.RemoveMods = []string{"_testmod", "example", "extra"}
	want.Year = 2023
	want.Metadata = map[string]string{"Comments": "built by modpack", "LegalTrademarks": ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadConfig got %+v, want %+v", got, want)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ini")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(got, DefaultConfig()) {
		t.Errorf("empty config got %+v, want defaults", got)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Errorf("LoadConfig of a missing file succeeded")
	}
}
