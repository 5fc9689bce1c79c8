// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kristal-tools/modpack/internal/petest"
)

type setFlagTestCase struct {
	args    []string
	want    string
	wantErr bool
}

var setFlagTests = []setFlagTestCase{
	setFlagTestCase{args: nil, want: ""},
	setFlagTestCase{args: []string{"ProductName=Dark Place"}, want: `ProductName="Dark Place"`},
	setFlagTestCase{args: []string{"Comments="}, want: "Comments=<delete>"},
	setFlagTestCase{args: []string{"Comments=a=b"}, want: `Comments="a=b"`},
	setFlagTestCase{args: []string{"A=1", "B=2", "A=3"}, want: `A="3",B="2"`},
	setFlagTestCase{args: []string{"NoEquals"}, wantErr: true},
	setFlagTestCase{args: []string{" =x"}, wantErr: true},
}

func TestParseSetFlags(t *testing.T) {
	for _, tc := range setFlagTests {
		ps, err := parseSetFlags(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseSetFlags(%q) succeeded", tc.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSetFlags(%q): %v", tc.args, err)
			continue
		}
		var parts []string
		for _, k := range ps.Keys() {
			p, _ := ps.Get(k)
			parts = append(parts, k+"="+p.String())
		}
		if got := strings.Join(parts, ","); got != tc.want {
			t.Errorf("parseSetFlags(%q) got %s, want %s", tc.args, got, tc.want)
		}
	}
}

func TestPatchAndDump(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "love.exe")
	out := filepath.Join(dir, "game.exe")
	exe := petest.Build(petest.Options{Sections: []petest.Section{petest.Text(), petest.Reloc()}})
	if err := os.WriteFile(in, exe, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rootCmd.SetArgs([]string{"patch", in, out, "--set", "ProductName=Dark Place", "--set", "FileVersion=1.2"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("patch: %v", err)
	}
	setFlags = nil

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"dump", "--sections", out})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("dump: %v", err)
	}
	for _, want := range []string{"Dark Place", "1.2.0.0", ".rsrc", "040904b0"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("dump output is missing %q:\n%s", want, buf.String())
		}
	}
}
