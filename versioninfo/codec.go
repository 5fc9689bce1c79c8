// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package versioninfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf16"
)

// ErrTooLarge is returned by Encode when a record would not fit its 16-bit
// length field.
var ErrTooLarge = errors.New("version resource record exceeds 65535 bytes")

const (
	sizeRecordHeader = 6
	maxRecordLength  = 0xFFFF
	typeBinary       = 0
	typeText         = 1
)

const (
	keyVersionInfo    = "VS_VERSION_INFO"
	keyStringFileInfo = "StringFileInfo"
	keyVarFileInfo    = "VarFileInfo"
	keyTranslation    = "Translation"
)

// record is one node of the VS_VERSIONINFO tree: wLength, wValueLength, wType,
// szKey, padding, value, padding, children.
type record struct {
	key      string
	typ      uint16
	value    []byte
	valueLen uint16
	children []*record
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedVersionResource, fmt.Sprintf(format, args...))
}

// readRecord decodes the record at data[start:] which must end at or before
// limit. It returns the record and the offset one past its last byte.
func readRecord(data []byte, start, limit int) (*record, int, error) {
	if limit-start < sizeRecordHeader {
		return nil, 0, malformed("record at offset 0x%x: want %d header bytes, got %d", start, sizeRecordHeader, limit-start)
	}

	length := int(binary.LittleEndian.Uint16(data[start:]))
	valueLen := binary.LittleEndian.Uint16(data[start+2:])
	typ := binary.LittleEndian.Uint16(data[start+4:])

	if length < sizeRecordHeader {
		return nil, 0, malformed("record at offset 0x%x declares length %d, shorter than its header", start, length)
	}
	if start+length > limit {
		return nil, 0, malformed("record at offset 0x%x declares length %d, only %d bytes remain", start, length, limit-start)
	}
	end := start + length

	key, pos, err := readKey(data, start+sizeRecordHeader, end)
	if err != nil {
		return nil, 0, err
	}

	rec := &record{key: key, typ: typ, valueLen: valueLen}

	if pos = align4(pos); pos > end {
		pos = end
	}
	if valueLen > 0 {
		size := int(valueLen)
		if typ == typeText {
			size *= 2
		}
		if pos+size > end {
			if typ != typeText {
				return nil, 0, malformed("value of %q at offset 0x%x declares %d bytes, only %d remain", key, pos, size, end-pos)
			}
			// Some resource compilers count text values in bytes rather
			// than words; the record length is authoritative.
			size = end - pos
		}
		rec.value = data[pos : pos+size]
		pos += size
	}

	for pos = align4(pos); pos < end; pos = align4(pos) {
		if end-pos < sizeRecordHeader && isZero(data[pos:end]) {
			break
		}
		child, childEnd, err := readRecord(data, pos, end)
		if err != nil {
			return nil, 0, err
		}
		rec.children = append(rec.children, child)
		pos = childEnd
	}

	return rec, end, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// readKey reads a NUL-terminated UTF-16LE string starting at pos. It returns
// the string and the offset just past the terminator.
func readKey(data []byte, pos, end int) (string, int, error) {
	var words []uint16
	for i := pos; i+1 < end; i += 2 {
		w := binary.LittleEndian.Uint16(data[i:])
		if w == 0 {
			s, ok := decodeUTF16Strict(words)
			if !ok {
				return "", 0, malformed("key at offset 0x%x is not valid UTF-16", pos)
			}
			return s, i + 2, nil
		}
		words = append(words, w)
	}
	return "", 0, malformed("key at offset 0x%x is not NUL-terminated within its record", pos)
}

func decodeUTF16Strict(words []uint16) (string, bool) {
	for i := 0; i < len(words); i++ {
		w := rune(words[i])
		switch {
		case w >= 0xD800 && w < 0xDC00:
			if i+1 >= len(words) || words[i+1] < 0xDC00 || words[i+1] >= 0xE000 {
				return "", false
			}
			i++
		case w >= 0xDC00 && w < 0xE000:
			return "", false
		}
	}
	return string(utf16.Decode(words)), true
}

func decodeTextValue(b []byte) string {
	words := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		w := binary.LittleEndian.Uint16(b[i:])
		if w == 0 {
			break
		}
		words = append(words, w)
	}
	return string(utf16.Decode(words))
}

func parseLangCodePage(key string) (LangCodePage, bool) {
	if len(key) != 8 {
		return LangCodePage{}, false
	}
	v, err := strconv.ParseUint(key, 16, 32)
	if err != nil {
		return LangCodePage{}, false
	}
	return LangCodePage{Language: uint16(v >> 16), CodePage: uint16(v)}, true
}

// Decode parses a VS_VERSIONINFO resource.
func Decode(data []byte) (*Block, error) {
	root, _, err := readRecord(data, 0, len(data))
	if err != nil {
		return nil, err
	}
	if root.key != keyVersionInfo {
		return nil, malformed("root key is %q, want %q", root.key, keyVersionInfo)
	}

	b := &Block{Fixed: DefaultFixedFileInfo()}
	switch len(root.value) {
	case 0:
	case sizeFixedFileInfo:
		if err := binary.Read(bytes.NewReader(root.value), binary.LittleEndian, &b.Fixed); err != nil {
			return nil, err
		}
		if b.Fixed.Signature != FixedFileInfoSignature {
			return nil, malformed("fixed file info signature is 0x%08X, want 0x%08X", b.Fixed.Signature, uint32(FixedFileInfoSignature))
		}
	default:
		return nil, malformed("fixed file info: want %d bytes, got %d", sizeFixedFileInfo, len(root.value))
	}

	var translations []LangCodePage
	for _, child := range root.children {
		switch child.key {
		case keyStringFileInfo:
			for _, tbl := range child.children {
				id, ok := parseLangCodePage(tbl.key)
				if !ok {
					return nil, malformed("string table key %q is not eight hex digits", tbl.key)
				}
				st := b.AddTable(id)
				for _, s := range tbl.children {
					st.Set(s.key, decodeTextValue(s.value))
				}
			}
		case keyVarFileInfo:
			for _, v := range child.children {
				if v.key != keyTranslation {
					continue
				}
				if len(v.value)%4 != 0 {
					return nil, malformed("translation table: want a multiple of 4 bytes, got %d", len(v.value))
				}
				for i := 0; i < len(v.value); i += 4 {
					translations = append(translations, LangCodePage{
						Language: binary.LittleEndian.Uint16(v.value[i:]),
						CodePage: binary.LittleEndian.Uint16(v.value[i+2:]),
					})
				}
			}
		}
	}

	for _, id := range translations {
		b.AddTable(id)
	}

	return b, nil
}

// Encode serializes b. Record lengths are computed after their children have
// been written, so edits anywhere in the tree are reflected in every ancestor.
// Fixed.Signature must be FixedFileInfoSignature, as Decode requires.
func Encode(b *Block) ([]byte, error) {
	if b.Fixed.Signature != FixedFileInfoSignature {
		return nil, malformed("fixed file info signature is 0x%08X, want 0x%08X", b.Fixed.Signature, uint32(FixedFileInfoSignature))
	}
	return b.record().appendTo(nil)
}

func (b *Block) record() *record {
	var fixedBuf bytes.Buffer
	binary.Write(&fixedBuf, binary.LittleEndian, &b.Fixed)

	root := &record{
		key:      keyVersionInfo,
		typ:      typeBinary,
		value:    fixedBuf.Bytes(),
		valueLen: sizeFixedFileInfo,
	}

	if len(b.Tables) == 0 {
		return root
	}

	sfi := &record{key: keyStringFileInfo, typ: typeText}
	var translation []byte
	for _, st := range b.Tables {
		tbl := &record{key: st.ID.Key(), typ: typeText}
		for _, s := range st.Strings {
			value := encodeUTF16Z(s.Value)
			tbl.children = append(tbl.children, &record{
				key:      s.Key,
				typ:      typeText,
				value:    value,
				valueLen: uint16(len(value) / 2),
			})
		}
		sfi.children = append(sfi.children, tbl)
		translation = binary.LittleEndian.AppendUint32(translation, st.ID.packed())
	}

	vfi := &record{
		key: keyVarFileInfo,
		typ: typeText,
		children: []*record{
			&record{key: keyTranslation, typ: typeBinary, value: translation, valueLen: uint16(len(translation))},
		},
	}

	root.children = []*record{sfi, vfi}
	return root
}

func (r *record) appendTo(buf []byte) ([]byte, error) {
	start := len(buf)
	buf = append(buf, make([]byte, sizeRecordHeader)...)
	buf = append(buf, encodeUTF16Z(r.key)...)
	buf = padTo4(buf)
	buf = append(buf, r.value...)

	for _, child := range r.children {
		buf = padTo4(buf)
		var err error
		if buf, err = child.appendTo(buf); err != nil {
			return nil, err
		}
	}

	length := len(buf) - start
	if length > maxRecordLength {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, r.key, length)
	}
	binary.LittleEndian.PutUint16(buf[start:], uint16(length))
	binary.LittleEndian.PutUint16(buf[start+2:], r.valueLen)
	binary.LittleEndian.PutUint16(buf[start+4:], r.typ)
	return buf, nil
}

func padTo4(buf []byte) []byte {
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func encodeUTF16Z(s string) []byte {
	words := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(words)+2)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint16(out, w)
	}
	return append(out, 0, 0)
}
