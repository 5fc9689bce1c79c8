// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package versioninfo

import (
	"fmt"
	"strings"
)

// Well-known string table keys.
const (
	KeyComments         = "Comments"
	KeyCompanyName      = "CompanyName"
	KeyFileDescription  = "FileDescription"
	KeyFileVersion      = "FileVersion"
	KeyInternalName     = "InternalName"
	KeyLegalCopyright   = "LegalCopyright"
	KeyOriginalFilename = "OriginalFilename"
	KeyProductName      = "ProductName"
	KeyProductVersion   = "ProductVersion"
)

// Patch is either a replacement value or a deletion.
type Patch struct {
	value  string
	delete bool
}

// Set returns a patch that sets a key to value.
func Set(value string) Patch {
	return Patch{value: value}
}

// Delete returns a patch that removes a key.
func Delete() Patch {
	return Patch{delete: true}
}

// PatchFromString maps an empty value to Delete and anything else to Set.
func PatchFromString(value string) Patch {
	if value == "" {
		return Delete()
	}
	return Set(value)
}

// IsDelete reports whether p removes its key.
func (p Patch) IsDelete() bool {
	return p.delete
}

// Value returns the replacement value; it is empty for deletions.
func (p Patch) Value() string {
	return p.value
}

func (p Patch) String() string {
	if p.delete {
		return "<delete>"
	}
	return fmt.Sprintf("%q", p.value)
}

// PatchSet is an ordered mapping from string table key to Patch.
type PatchSet struct {
	keys    []string
	patches map[string]Patch
}

// NewPatchSet returns an empty set.
func NewPatchSet() *PatchSet {
	return &PatchSet{patches: make(map[string]Patch)}
}

// Add records p for key. Adding a key again replaces its patch but keeps its
// original position.
func (ps *PatchSet) Add(key string, p Patch) *PatchSet {
	if ps.patches == nil {
		ps.patches = make(map[string]Patch)
	}
	if _, ok := ps.patches[key]; !ok {
		ps.keys = append(ps.keys, key)
	}
	ps.patches[key] = p
	return ps
}

// Get returns the patch recorded for key.
func (ps *PatchSet) Get(key string) (Patch, bool) {
	p, ok := ps.patches[key]
	return p, ok
}

// Keys returns the keys in insertion order.
func (ps *PatchSet) Keys() []string {
	return append([]string(nil), ps.keys...)
}

// Len returns the number of keys.
func (ps *PatchSet) Len() int {
	return len(ps.keys)
}

func (ps *PatchSet) validate() error {
	for _, k := range ps.keys {
		if k == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidPatch)
		}
		if strings.ContainsRune(k, 0) {
			return fmt.Errorf("%w: key %q contains NUL", ErrInvalidPatch, k)
		}
		if p := ps.patches[k]; strings.ContainsRune(p.value, 0) {
			return fmt.Errorf("%w: value for %q contains NUL", ErrInvalidPatch, k)
		}
	}
	return nil
}

// Apply edits every string table of b according to ps. A block without string
// tables first gets one for DefaultLangCodePage. FileVersion and
// ProductVersion also update the binary version fields. b is left unchanged
// when an error is returned.
func Apply(b *Block, ps *PatchSet) error {
	if ps == nil {
		ps = NewPatchSet()
	}
	if err := ps.validate(); err != nil {
		return err
	}

	fixed := b.Fixed
	for _, k := range ps.keys {
		p := ps.patches[k]
		if p.delete || (k != KeyFileVersion && k != KeyProductVersion) {
			continue
		}
		v, err := ParseVersion(p.value)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		if k == KeyFileVersion {
			fixed.setFileVersion(v)
		} else {
			fixed.setProductVersion(v)
		}
	}
	b.Fixed = fixed

	if len(b.Tables) == 0 {
		b.AddTable(DefaultLangCodePage)
	}

	for _, st := range b.Tables {
		for _, k := range ps.keys {
			if p := ps.patches[k]; p.delete {
				st.Delete(k)
			} else {
				st.Set(k, p.value)
			}
		}
	}

	return nil
}
