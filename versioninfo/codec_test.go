// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package versioninfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/tc-hib/winres/version"
)

func sampleBlock() *Block {
	b := NewBlock()
	b.Fixed.FileVersionMS, b.Fixed.FileVersionLS = 0x00010002, 0x00030004
	b.Fixed.ProductVersionMS, b.Fixed.ProductVersionLS = 0x00010002, 0x00000000
	b.Fixed.FileFlagsMask = 0x3F
	b.Fixed.FileFlags = 0x22 // bits outside the well-known set must survive
	b.Fixed.FileOS = 0x40004
	b.Fixed.FileType = 1
	b.Tables = []*StringTable{
		&StringTable{
			ID: DefaultLangCodePage,
			Strings: []String{
				String{"ProductName", "LÖVE"},
				String{"FileDescription", "Game"},
				String{"LegalCopyright", "Copyright © 2024 X"},
				String{"Comments", ""},
			},
		},
		&StringTable{
			ID: LangCodePage{Language: 0x0407, CodePage: 1200},
			Strings: []String{
				String{"FileDescription", "Spiel 🎮"},
				String{"ProductName", "LÖVE"},
			},
		},
	}
	return b
}

func mustEncode(t *testing.T, b *Block) []byte {
	t.Helper()
	data, err := Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blocks := []*Block{
		NewBlock(),
		sampleBlock(),
		&Block{Fixed: DefaultFixedFileInfo(), Tables: []*StringTable{&StringTable{ID: DefaultLangCodePage}}},
	}

	for i, b := range blocks {
		enc := mustEncode(t, b)
		if len(enc)%2 != 0 {
			t.Errorf("block %d: encoded length %d is odd", i, len(enc))
		}
		if got := int(binary.LittleEndian.Uint16(enc)); got != len(enc) {
			t.Errorf("block %d: root wLength got %d, want %d", i, got, len(enc))
		}

		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("block %d: Decode: %v", i, err)
		}
		if !reflect.DeepEqual(dec, b) {
			t.Errorf("block %d: round trip got %#v, want %#v", i, dec, b)
		}

		again := mustEncode(t, dec)
		if !bytes.Equal(again, enc) {
			t.Errorf("block %d: encode is not idempotent after one decode", i)
		}
	}
}

func TestEncodeAlignment(t *testing.T) {
	enc := mustEncode(t, sampleBlock())

	// Walk every record and check that each child starts on a 4-byte
	// boundary and that lengths nest.
	var walk func(start, limit, depth int)
	walk = func(start, limit, depth int) {
		if start%4 != 0 {
			t.Errorf("record at 0x%x (depth %d) is not 4-byte aligned", start, depth)
		}
		rec, end, err := readRecord(enc, start, limit)
		if err != nil {
			t.Fatalf("readRecord(0x%x): %v", start, err)
		}
		pos := start + sizeRecordHeader + len(encodeUTF16Z(rec.key))
		pos = align4(pos) + len(rec.value)
		for range rec.children {
			pos = align4(pos)
			next := pos + int(binary.LittleEndian.Uint16(enc[pos:]))
			walk(pos, end, depth+1)
			pos = next
		}
		if pos != end {
			t.Errorf("record %q at 0x%x: children end at 0x%x, record ends at 0x%x", rec.key, start, pos, end)
		}
	}
	walk(0, len(enc), 0)
}

func TestEncodeTranslationDerived(t *testing.T) {
	b := sampleBlock()
	dec, err := Decode(mustEncode(t, b))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []LangCodePage{DefaultLangCodePage, LangCodePage{0x0407, 1200}}
	if got := dec.Translations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Translations got %v, want %v", got, want)
	}
}

func TestEncodeMatchesWinres(t *testing.T) {
	enc := mustEncode(t, sampleBlock())

	vi, err := version.FromBytes(enc)
	if err != nil {
		t.Fatalf("winres version.FromBytes: %v", err)
	}
	if vi.FileVersion != [4]uint16{1, 2, 3, 4} {
		t.Errorf("winres FileVersion got %v, want [1 2 3 4]", vi.FileVersion)
	}
	if vi.ProductVersion != [4]uint16{1, 2, 0, 0} {
		t.Errorf("winres ProductVersion got %v, want [1 2 0 0]", vi.ProductVersion)
	}

	js, err := vi.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	for _, want := range []string{`"0409"`, `"0407"`, `"Spiel 🎮"`, `"Copyright © 2024 X"`} {
		if !bytes.Contains(js, []byte(want)) {
			t.Errorf("winres view %s does not contain %s", js, want)
		}
	}
}

func TestDecodeWinresOutput(t *testing.T) {
	var vi version.Info
	if err := vi.Set(0x0409, "CompanyName", "Example"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	vi.SetFileVersion("4.3.2.1")
	vi.SetProductVersion("4.3")

	b, err := Decode(vi.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := b.Fixed.FileVersion(), (Version{4, 3, 2, 1}); got != want {
		t.Errorf("FileVersion got %v, want %v", got, want)
	}
	st := b.Table(DefaultLangCodePage)
	if st == nil {
		t.Fatalf("no table for %s", DefaultLangCodePage.Key())
	}
	if v, ok := st.Get("CompanyName"); !ok || v != "Example" {
		t.Errorf("CompanyName got (%q, %v), want (%q, true)", v, ok, "Example")
	}
	if v, ok := st.Get("FileVersion"); !ok || v != "4.3.2.1" {
		t.Errorf("FileVersion string got (%q, %v), want (%q, true)", v, ok, "4.3.2.1")
	}
}

func TestEncodeBadSignature(t *testing.T) {
	for _, sig := range []uint32{0, 0xFEEF04BC} {
		b := sampleBlock()
		b.Fixed.Signature = sig
		if _, err := Encode(b); !errors.Is(err, ErrMalformedVersionResource) {
			t.Errorf("Encode with signature 0x%08X got %v, want %v", sig, err, ErrMalformedVersionResource)
		}
		if b.Fixed.Signature != sig {
			t.Errorf("Encode changed the signature to 0x%08X", b.Fixed.Signature)
		}
	}
}

func TestDecodeTranslationWithoutTable(t *testing.T) {
	b := &Block{Fixed: DefaultFixedFileInfo(), Tables: []*StringTable{&StringTable{ID: DefaultLangCodePage}}}
	enc := mustEncode(t, b)

	// Drop the StringFileInfo child so only VarFileInfo/Translation remains.
	root, _, err := readRecord(enc, 0, len(enc))
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	root.children = root.children[1:]
	stripped, err := root.appendTo(nil)
	if err != nil {
		t.Fatalf("appendTo: %v", err)
	}

	dec, err := Decode(stripped)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(dec.Translations(), []LangCodePage{DefaultLangCodePage}) {
		t.Errorf("translation-only resource decoded to tables %v", dec.Translations())
	}
}

type malformedTestCase struct {
	name string
	data func(valid []byte) []byte
}

var malformedTests = []malformedTestCase{
	malformedTestCase{"empty", func(valid []byte) []byte { return nil }},
	malformedTestCase{"truncated header", func(valid []byte) []byte { return valid[:4] }},
	malformedTestCase{"length past end", func(valid []byte) []byte { return valid[:len(valid)-8] }},
	malformedTestCase{"length below header", func(valid []byte) []byte {
		out := bytes.Clone(valid)
		binary.LittleEndian.PutUint16(out, 4)
		return out
	}},
	malformedTestCase{"wrong root key", func(valid []byte) []byte {
		out := bytes.Clone(valid)
		out[sizeRecordHeader] = 'X'
		return out
	}},
	malformedTestCase{"unterminated key", func(valid []byte) []byte {
		out := make([]byte, 12)
		binary.LittleEndian.PutUint16(out, 12)
		copy(out[6:], []byte{'V', 0, 'S', 0, '_', 0})
		return out
	}},
	malformedTestCase{"lone surrogate in key", func(valid []byte) []byte {
		out := bytes.Clone(valid)
		binary.LittleEndian.PutUint16(out[sizeRecordHeader:], 0xD800)
		return out
	}},
	malformedTestCase{"bad fixed signature", func(valid []byte) []byte {
		out := bytes.Clone(valid)
		binary.LittleEndian.PutUint32(out[40:], 0xDEADBEEF)
		return out
	}},
	malformedTestCase{"child overruns parent", func(valid []byte) []byte {
		out := bytes.Clone(valid)
		// First child of the root starts right after the fixed info.
		binary.LittleEndian.PutUint16(out[92:], 0xFFF0)
		return out
	}},
}

func TestDecodeMalformed(t *testing.T) {
	valid := mustEncode(t, sampleBlock())
	for _, tc := range malformedTests {
		b, err := Decode(tc.data(valid))
		if !errors.Is(err, ErrMalformedVersionResource) {
			t.Errorf("%s: Decode got (%v, %v), want ErrMalformedVersionResource", tc.name, b, err)
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	b := NewBlock()
	st := b.AddTable(DefaultLangCodePage)
	st.Set("Comments", string(bytes.Repeat([]byte{'x'}, 40000)))
	if _, err := Encode(b); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Encode got %v, want ErrTooLarge", err)
	}
}
