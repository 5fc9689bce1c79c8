// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package modbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/kristal-tools/modpack/versioninfo"
	"github.com/titanous/json5"
)

var ErrInvalidMod = errors.New("invalid mod descriptor")

const modDescriptor = "mod.json"

var validModID = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Mod is the subset of mod.json the packager reads.
type Mod struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Subtitle string            `json:"subtitle"`
	Version  string            `json:"version"`
	Author   string            `json:"author"`
	Metadata map[string]string `json:"metadata"`

	// Dir is the directory mod.json was read from.
	Dir string `json:"-"`
}

// LoadMod reads dir/mod.json.
func LoadMod(dir string) (*Mod, error) {
	path := filepath.Join(dir, modDescriptor)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Mod
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMod, path, err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrInvalidMod, path)
	}
	if !validModID.MatchString(m.ID) || m.ID == "." || m.ID == ".." {
		return nil, fmt.Errorf("%w: %s: id %q is not a valid file name", ErrInvalidMod, path, m.ID)
	}
	m.Dir = dir
	return &m, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// PatchSet returns the version resource edits describing m. Custom metadata
// is applied last, in key order, and may override or delete derived keys.
func (m *Mod) PatchSet(year int) *versioninfo.PatchSet {
	ps := versioninfo.NewPatchSet().
		Add(versioninfo.KeyInternalName, versioninfo.Set(m.ID)).
		Add(versioninfo.KeyOriginalFilename, versioninfo.Set(m.ID+".exe")).
		Add(versioninfo.KeyProductName, versioninfo.Set(firstNonEmpty(m.Name, m.ID))).
		Add(versioninfo.KeyFileDescription, versioninfo.Set(firstNonEmpty(m.Subtitle, m.Name, m.ID)))

	if m.Author != "" {
		ps.Add(versioninfo.KeyCompanyName, versioninfo.Set(m.Author))
		ps.Add(versioninfo.KeyLegalCopyright, versioninfo.Set("Copyright © "+strconv.Itoa(year)+" "+m.Author))
	}
	if m.Version != "" {
		ps.Add(versioninfo.KeyFileVersion, versioninfo.Set(m.Version))
		ps.Add(versioninfo.KeyProductVersion, versioninfo.Set(m.Version))
	}

	addMetadata(ps, m.Metadata)
	return ps
}

func addMetadata(ps *versioninfo.PatchSet, md map[string]string) {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ps.Add(k, versioninfo.PatchFromString(md[k]))
	}
}
