// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package versioninfo

import (
	"errors"
	"testing"
)

type parseVersionTestCase struct {
	text string
	want Version
}

var parseVersionTests = []parseVersionTestCase{
	parseVersionTestCase{"1", Version{1, 0, 0, 0}},
	parseVersionTestCase{"1.2", Version{1, 2, 0, 0}},
	parseVersionTestCase{"1.2.3", Version{1, 2, 3, 0}},
	parseVersionTestCase{"1.2.3.4", Version{1, 2, 3, 4}},
	parseVersionTestCase{"1,0,0,0", Version{1, 0, 0, 0}},
	parseVersionTestCase{" 4 , 5 , 6 ", Version{4, 5, 6, 0}},
	parseVersionTestCase{"0.9.1-beta", Version{0, 9, 1, 0}},
	parseVersionTestCase{"2.0-alpha", Version{2, 0, 0, 0}},
	parseVersionTestCase{"3-dev", Version{3, 0, 0, 0}},
	parseVersionTestCase{"65535.65535.65535.65535", Version{65535, 65535, 65535, 65535}},
}

func TestParseVersion(t *testing.T) {
	for _, tc := range parseVersionTests {
		got, err := ParseVersion(tc.text)
		if err != nil {
			t.Errorf("ParseVersion(%q) error: %v", tc.text, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseVersion(%q) got %v, want %v", tc.text, got, tc.want)
		}
	}
}

var parseVersionErrorTests = []string{
	"",
	"   ",
	"-beta",
	"70000.0.0.0",
	"1.2.3.4.5",
	"1,2,3,4,5",
	"1..2",
	"a.b",
	"1.2x",
	"+1.2",
	"-1.2",
	"1.2-rc1",
}

func TestParseVersionErrors(t *testing.T) {
	for _, text := range parseVersionErrorTests {
		v, err := ParseVersion(text)
		if !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("ParseVersion(%q) got (%v, %v), want ErrInvalidVersion", text, v, err)
		}
	}
}

type packedTestCase struct {
	text   string
	wantMS uint32
	wantLS uint32
}

var packedTests = []packedTestCase{
	packedTestCase{"1.2", 0x00010002, 0x00000000},
	packedTestCase{"1,0,0,0", 0x00010000, 0x00000000},
	packedTestCase{"1.2.3.4", 0x00010002, 0x00030004},
	packedTestCase{"65535.1.65535.2", 0xFFFF0001, 0xFFFF0002},
	packedTestCase{"0.0.0.1-dev", 0x00000000, 0x00000001},
}

func TestPackedWords(t *testing.T) {
	for _, tc := range packedTests {
		v, err := ParseVersion(tc.text)
		if err != nil {
			t.Fatalf("ParseVersion(%q) error: %v", tc.text, err)
		}
		ms, ls := v.PackedWords()
		if ms != tc.wantMS || ls != tc.wantLS {
			t.Errorf("%q packed got (0x%08X, 0x%08X), want (0x%08X, 0x%08X)", tc.text, ms, ls, tc.wantMS, tc.wantLS)
		}
		if back := VersionFromPacked(ms, ls); back != v {
			t.Errorf("%q unpacked got %v, want %v", tc.text, back, v)
		}
	}
}

func TestVersionFormat(t *testing.T) {
	v := Version{1, 2, 0, 7}
	if got, want := v.String(), "1,2,0,7"; got != want {
		t.Errorf("String() got %q, want %q", got, want)
	}
	if got, want := v.DotString(), "1.2.0.7"; got != want {
		t.Errorf("DotString() got %q, want %q", got, want)
	}

	// The comma form must parse back to the same value.
	back, err := ParseVersion(v.String())
	if err != nil {
		t.Fatalf("ParseVersion(%q) error: %v", v.String(), err)
	}
	if back != v {
		t.Errorf("round trip got %v, want %v", back, v)
	}
}
