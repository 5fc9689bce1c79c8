// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
	"strings"
	"testing"
)

func TestFindVersionResource(t *testing.T) {
	tree := NewResourceTree()
	tree.Set(IntResource(RT_MANIFEST), IntResource(1), 0, []byte("<assembly/>"))

	loc, err := FindVersionResource(tree)
	if loc != nil || err != nil {
		t.Errorf("no version resource: got (%v, %v), want (nil, nil)", loc, err)
	}

	tree.Set(IntResource(RT_VERSION), IntResource(1), 0x0407, []byte("v"))
	loc, err = FindVersionResource(tree)
	if err != nil {
		t.Fatalf("FindVersionResource: %v", err)
	}
	if loc.Name != IntResource(1) || loc.Lang != 0x0407 || string(loc.Data) != "v" {
		t.Errorf("got %+v, want #1/0x0407", loc)
	}

	tree.Set(IntResource(RT_VERSION), NamedResource("EXTRA"), 0x0409, []byte("w"))
	loc, err = FindVersionResource(tree)
	if !errors.Is(err, ErrAmbiguousVersionResource) {
		t.Fatalf("two version resources: got (%v, %v), want ErrAmbiguousVersionResource", loc, err)
	}
	for _, want := range []string{`"EXTRA"/0x0409`, "#1/0x0407"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

func TestReplaceVersionResource(t *testing.T) {
	tree := NewResourceTree()
	ReplaceVersionResource(tree, nil, []byte("new"))
	if data, ok := tree.Get(IntResource(RT_VERSION), IntResource(DefaultVersionName), DefaultVersionLang); !ok || string(data) != "new" {
		t.Errorf("default leaf got (%q, %v)", data, ok)
	}

	tree = NewResourceTree()
	tree.Set(IntResource(RT_VERSION), IntResource(7), 0x0407, []byte("old"))
	loc, err := FindVersionResource(tree)
	if err != nil {
		t.Fatalf("FindVersionResource: %v", err)
	}
	ReplaceVersionResource(tree, loc, []byte("longer replacement"))

	entries := tree.Entries(IntResource(RT_VERSION))
	if len(entries) != 1 {
		t.Fatalf("got %d version resources, want 1", len(entries))
	}
	if e := entries[0]; e.Name != IntResource(7) || e.Lang != 0x0407 || string(e.Data) != "longer replacement" {
		t.Errorf("replaced leaf got %+v", e)
	}
	if string(loc.Data) != "longer replacement" {
		t.Errorf("Located data not updated")
	}
}
