// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package versioninfo

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-component version number as stored in VS_FIXEDFILEINFO.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
	Build uint16
}

// Pre-release suffixes removed before parsing. Only one is stripped.
var prereleaseSuffixes = []string{"-beta", "-alpha", "-dev"}

const maxVersionComponents = 4

// ParseVersion parses text containing one to four numeric components separated
// by dots or, when the text contains a comma, by commas. Missing trailing
// components are zero.
func ParseVersion(text string) (Version, error) {
	s := strings.TrimSpace(text)
	for _, suffix := range prereleaseSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}

	if s == "" {
		return Version{}, fmt.Errorf("%w: %q has no components", ErrInvalidVersion, text)
	}

	sep := "."
	if strings.Contains(s, ",") {
		sep = ","
	}

	parts := strings.Split(s, sep)
	if len(parts) > maxVersionComponents {
		return Version{}, fmt.Errorf("%w: %q has %d components, want at most %d", ErrInvalidVersion, text, len(parts), maxVersionComponents)
	}

	var c [maxVersionComponents]uint16
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return Version{}, fmt.Errorf("%w: component %q of %q is not a decimal number", ErrInvalidVersion, p, text)
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("%w: component %q of %q is out of range [0, 65535]", ErrInvalidVersion, p, text)
		}
		c[i] = uint16(n)
	}

	return Version{Major: c[0], Minor: c[1], Patch: c[2], Build: c[3]}, nil
}

// PackedWords returns v in the layout of the dwFileVersionMS/LS and
// dwProductVersionMS/LS fields.
func (v Version) PackedWords() (ms, ls uint32) {
	ms = uint32(v.Major)<<16 | uint32(v.Minor)
	ls = uint32(v.Patch)<<16 | uint32(v.Build)
	return ms, ls
}

// VersionFromPacked is the inverse of PackedWords.
func VersionFromPacked(ms, ls uint32) Version {
	return Version{
		Major: uint16(ms >> 16),
		Minor: uint16(ms & 0xFFFF),
		Patch: uint16(ls >> 16),
		Build: uint16(ls & 0xFFFF),
	}
}

// String renders v comma-separated, the form used in VERSIONINFO string tables.
func (v Version) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", v.Major, v.Minor, v.Patch, v.Build)
}

// DotString renders v dot-separated.
func (v Version) DotString() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}
