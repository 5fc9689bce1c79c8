// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
	"fmt"
	"strings"
)

var ErrAmbiguousVersionResource = errors.New("more than one version resource")

// Default placement of a version resource created from scratch.
const (
	DefaultVersionName = 1
	DefaultVersionLang = 0x0409
)

// Located identifies the version resource of a tree.
type Located struct {
	Name ResourceID
	Lang uint16
	Data []byte
}

// FindVersionResource returns the single RT_VERSION leaf of t. It returns
// nil, nil when there is none.
func FindVersionResource(t *ResourceTree) (*Located, error) {
	entries := t.Entries(IntResource(RT_VERSION))
	switch len(entries) {
	case 0:
		return nil, nil
	case 1:
		return &Located{Name: entries[0].Name, Lang: entries[0].Lang, Data: entries[0].Data}, nil
	}

	found := make([]string, len(entries))
	for i, e := range entries {
		found[i] = fmt.Sprintf("%s/0x%04X", e.Name, e.Lang)
	}
	return nil, fmt.Errorf("%w: found %s", ErrAmbiguousVersionResource, strings.Join(found, ", "))
}

// ReplaceVersionResource stores data as the version resource identified by
// loc. A nil loc creates the leaf at DefaultVersionName/DefaultVersionLang.
func ReplaceVersionResource(t *ResourceTree, loc *Located, data []byte) {
	name, lang := IntResource(DefaultVersionName), uint16(DefaultVersionLang)
	if loc != nil {
		name, lang = loc.Name, loc.Lang
		loc.Data = data
	}
	t.Set(IntResource(RT_VERSION), name, lang, data)
}
