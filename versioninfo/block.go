// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package versioninfo decodes, edits and encodes the VS_VERSIONINFO structure
// stored in a Windows RT_VERSION resource.
package versioninfo

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidVersion           = errors.New("invalid version")
	ErrMalformedVersionResource = errors.New("malformed version resource")
	ErrInvalidPatch             = errors.New("invalid metadata patch")
)

const (
	FixedFileInfoSignature = 0xFEEF04BD
	fixedFileInfoVersion   = 0x00010000
	sizeFixedFileInfo      = 52
)

// FixedFileInfo mirrors VS_FIXEDFILEINFO. Fields not touched by an edit are
// carried through unchanged.
type FixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateMS       uint32
	FileDateLS       uint32
}

// DefaultFixedFileInfo returns a zeroed record with a valid signature.
func DefaultFixedFileInfo() FixedFileInfo {
	return FixedFileInfo{
		Signature:    FixedFileInfoSignature,
		StrucVersion: fixedFileInfoVersion,
	}
}

// FileVersion unpacks the binary file version.
func (f *FixedFileInfo) FileVersion() Version {
	return VersionFromPacked(f.FileVersionMS, f.FileVersionLS)
}

// ProductVersion unpacks the binary product version.
func (f *FixedFileInfo) ProductVersion() Version {
	return VersionFromPacked(f.ProductVersionMS, f.ProductVersionLS)
}

func (f *FixedFileInfo) setFileVersion(v Version) {
	f.FileVersionMS, f.FileVersionLS = v.PackedWords()
}

func (f *FixedFileInfo) setProductVersion(v Version) {
	f.ProductVersionMS, f.ProductVersionLS = v.PackedWords()
}

// LangCodePage identifies a string table by language and code page.
type LangCodePage struct {
	Language uint16
	CodePage uint16
}

const (
	langEnUS        = 0x0409
	codePageUnicode = 1200
)

// DefaultLangCodePage is used when a block has no string table yet.
var DefaultLangCodePage = LangCodePage{Language: langEnUS, CodePage: codePageUnicode}

// Key returns the eight hex digit string-table key, e.g. "040904b0".
func (lcp LangCodePage) Key() string {
	return fmt.Sprintf("%04x%04x", lcp.Language, lcp.CodePage)
}

func (lcp LangCodePage) packed() uint32 {
	return uint32(lcp.CodePage)<<16 | uint32(lcp.Language)
}

// String is one key/value pair of a string table.
type String struct {
	Key   string
	Value string
}

// StringTable holds the strings for one language/code page, in file order.
type StringTable struct {
	ID      LangCodePage
	Strings []String
}

func (st *StringTable) index(key string) int {
	for i := range st.Strings {
		if st.Strings[i].Key == key {
			return i
		}
	}
	return -1
}

// Get returns the value of key and whether it is present.
func (st *StringTable) Get(key string) (string, bool) {
	if i := st.index(key); i >= 0 {
		return st.Strings[i].Value, true
	}
	return "", false
}

// Set overwrites key in place or appends it.
func (st *StringTable) Set(key, value string) {
	if i := st.index(key); i >= 0 {
		st.Strings[i].Value = value
		return
	}
	st.Strings = append(st.Strings, String{Key: key, Value: value})
}

// Delete removes key and reports whether it was present.
func (st *StringTable) Delete(key string) bool {
	i := st.index(key)
	if i < 0 {
		return false
	}
	st.Strings = append(st.Strings[:i], st.Strings[i+1:]...)
	return true
}

// Block is the decoded form of a VS_VERSIONINFO resource. The Translation
// table is not stored; it is derived from Tables when encoding.
type Block struct {
	Fixed  FixedFileInfo
	Tables []*StringTable
}

// NewBlock returns the block used when an executable has no version resource.
func NewBlock() *Block {
	return &Block{Fixed: DefaultFixedFileInfo()}
}

// Table returns the string table for id, or nil.
func (b *Block) Table(id LangCodePage) *StringTable {
	for _, st := range b.Tables {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// AddTable returns the table for id, appending an empty one if needed.
func (b *Block) AddTable(id LangCodePage) *StringTable {
	if st := b.Table(id); st != nil {
		return st
	}
	st := &StringTable{ID: id}
	b.Tables = append(b.Tables, st)
	return st
}

// Translations lists the language/code page pairs in table order.
func (b *Block) Translations() []LangCodePage {
	result := make([]LangCodePage, 0, len(b.Tables))
	for _, st := range b.Tables {
		result = append(result, st.ID)
	}
	return result
}
