// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

// Predefined resource types.
const (
	RT_ICON       = 3
	RT_GROUP_ICON = 14
	RT_VERSION    = 16
	RT_MANIFEST   = 24
)

var ErrMalformedResourceDirectory = errors.New("malformed resource directory")

const (
	sizeIMAGE_RESOURCE_DIRECTORY       = 16
	sizeIMAGE_RESOURCE_DIRECTORY_ENTRY = 8
	sizeIMAGE_RESOURCE_DATA_ENTRY      = 16
	resourceHighBit                    = 0x80000000
	resourceDataAlignment              = 8
)

// ResourceID identifies a resource type or name, either by number or by
// string. The zero value is the numeric ID 0.
type ResourceID struct {
	ID   uint16
	Name string
}

// IntResource returns a numeric identifier.
func IntResource(id uint16) ResourceID {
	return ResourceID{ID: id}
}

// NamedResource returns a string identifier.
func NamedResource(name string) ResourceID {
	return ResourceID{Name: name}
}

// IsNamed reports whether r is a string identifier.
func (r ResourceID) IsNamed() bool {
	return r.Name != ""
}

func (r ResourceID) String() string {
	if r.IsNamed() {
		return strconv.Quote(r.Name)
	}
	return "#" + strconv.Itoa(int(r.ID))
}

// less orders identifiers the way they are laid out on disk: named entries
// before numeric ones, each group ascending.
func (r ResourceID) less(o ResourceID) bool {
	if r.IsNamed() != o.IsNamed() {
		return r.IsNamed()
	}
	if r.IsNamed() {
		a, b := utf16.Encode([]rune(r.Name)), utf16.Encode([]rune(o.Name))
		for i := 0; i < len(a) && i < len(b); i++ {
			if a[i] != b[i] {
				return a[i] < b[i]
			}
		}
		return len(a) < len(b)
	}
	return r.ID < o.ID
}

// Resource is a leaf of a ResourceTree.
type Resource struct {
	Type     ResourceID
	Name     ResourceID
	Lang     uint16
	CodePage uint32
	Data     []byte
}

type resourceLang struct {
	lang     uint16
	codePage uint32
	data     []byte
}

type resourceName struct {
	id    ResourceID
	langs []*resourceLang
}

type resourceType struct {
	id    ResourceID
	names []*resourceName
}

// ResourceTree is the three level Type/Name/Language tree stored in a
// resource section. Every level is kept in on-disk order.
type ResourceTree struct {
	types []*resourceType
}

// NewResourceTree returns an empty tree.
func NewResourceTree() *ResourceTree {
	return &ResourceTree{}
}

func (t *ResourceTree) findType(typ ResourceID) (int, bool) {
	i := sort.Search(len(t.types), func(i int) bool { return !t.types[i].id.less(typ) })
	return i, i < len(t.types) && t.types[i].id == typ
}

func (rt *resourceType) findName(name ResourceID) (int, bool) {
	i := sort.Search(len(rt.names), func(i int) bool { return !rt.names[i].id.less(name) })
	return i, i < len(rt.names) && rt.names[i].id == name
}

func (rn *resourceName) findLang(lang uint16) (int, bool) {
	i := sort.Search(len(rn.langs), func(i int) bool { return rn.langs[i].lang >= lang })
	return i, i < len(rn.langs) && rn.langs[i].lang == lang
}

func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}

// Set stores data under (typ, name, lang), replacing any existing leaf. A
// replaced leaf keeps its code page.
func (t *ResourceTree) Set(typ, name ResourceID, lang uint16, data []byte) {
	ti, ok := t.findType(typ)
	if !ok {
		t.types = insertAt(t.types, ti, &resourceType{id: typ})
	}
	rt := t.types[ti]

	ni, ok := rt.findName(name)
	if !ok {
		rt.names = insertAt(rt.names, ni, &resourceName{id: name})
	}
	rn := rt.names[ni]

	li, ok := rn.findLang(lang)
	if !ok {
		rn.langs = insertAt(rn.langs, li, &resourceLang{lang: lang})
	}
	rn.langs[li].data = data
}

func (t *ResourceTree) setWithCodePage(typ, name ResourceID, lang uint16, codePage uint32, data []byte) {
	t.Set(typ, name, lang, data)
	ti, _ := t.findType(typ)
	ni, _ := t.types[ti].findName(name)
	rn := t.types[ti].names[ni]
	li, _ := rn.findLang(lang)
	rn.langs[li].codePage = codePage
}

// Get returns the data stored under (typ, name, lang).
func (t *ResourceTree) Get(typ, name ResourceID, lang uint16) ([]byte, bool) {
	ti, ok := t.findType(typ)
	if !ok {
		return nil, false
	}
	ni, ok := t.types[ti].findName(name)
	if !ok {
		return nil, false
	}
	rn := t.types[ti].names[ni]
	li, ok := rn.findLang(lang)
	if !ok {
		return nil, false
	}
	return rn.langs[li].data, true
}

// Delete removes the leaf at (typ, name, lang) and any directory left empty.
// It reports whether a leaf was removed.
func (t *ResourceTree) Delete(typ, name ResourceID, lang uint16) bool {
	ti, ok := t.findType(typ)
	if !ok {
		return false
	}
	rt := t.types[ti]
	ni, ok := rt.findName(name)
	if !ok {
		return false
	}
	rn := rt.names[ni]
	li, ok := rn.findLang(lang)
	if !ok {
		return false
	}

	rn.langs = removeAt(rn.langs, li)
	if len(rn.langs) == 0 {
		rt.names = removeAt(rt.names, ni)
	}
	if len(rt.names) == 0 {
		t.types = removeAt(t.types, ti)
	}
	return true
}

// Walk calls fn for every leaf in on-disk order until fn returns false.
func (t *ResourceTree) Walk(fn func(r Resource) bool) {
	for _, rt := range t.types {
		for _, rn := range rt.names {
			for _, rl := range rn.langs {
				if !fn(Resource{Type: rt.id, Name: rn.id, Lang: rl.lang, CodePage: rl.codePage, Data: rl.data}) {
					return
				}
			}
		}
	}
}

// Entries returns every leaf of type typ.
func (t *ResourceTree) Entries(typ ResourceID) []Resource {
	var result []Resource
	ti, ok := t.findType(typ)
	if !ok {
		return nil
	}
	rt := t.types[ti]
	for _, rn := range rt.names {
		for _, rl := range rn.langs {
			result = append(result, Resource{Type: rt.id, Name: rn.id, Lang: rl.lang, CodePage: rl.codePage, Data: rl.data})
		}
	}
	return result
}

// Len returns the number of leaves.
func (t *ResourceTree) Len() int {
	var n int
	for _, rt := range t.types {
		for _, rn := range rt.names {
			n += len(rn.langs)
		}
	}
	return n
}

// resourceReader decodes a resource section. Offsets inside the directory are
// relative to the start of dir; data entries hold RVAs resolved through img.
type resourceReader struct {
	img     *Image
	dir     []byte
	visited map[uint32]bool
	tree    *ResourceTree
}

// ParseResources decodes the resource directory of img. An image without a
// resource directory yields an empty tree. Leaf data is copied out of the
// image.
func ParseResources(img *Image) (*ResourceTree, error) {
	tree := NewResourceTree()

	dde, err := img.ResourceDirectory()
	if err != nil {
		if errors.Is(err, ErrNotPresent) || errors.Is(err, ErrIndexOutOfRange) {
			return tree, nil
		}
		return nil, err
	}

	start, ok := img.RVAToOffset(dde.VirtualAddress)
	if !ok {
		return nil, fmt.Errorf("%w: directory RVA 0x%X is outside every section", ErrMalformedResourceDirectory, dde.VirtualAddress)
	}
	end := len(img.data)
	if s := img.sectionAt(dde.VirtualAddress); s != nil {
		if e := int(s.PointerToRawData) + int(s.SizeOfRawData); e < end {
			end = e
		}
	}

	r := &resourceReader{
		img:     img,
		dir:     img.data[start:end],
		visited: make(map[uint32]bool),
		tree:    tree,
	}
	if err := r.readDirectory(0, 0, nil); err != nil {
		return nil, err
	}
	return tree, nil
}

// sectionAt returns the section whose virtual range contains rva.
func (img *Image) sectionAt(rva uint32) *SectionHeader {
	for i := range img.sections {
		s := &img.sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.virtualSpan() {
			return s
		}
	}
	return nil
}

func (r *resourceReader) readDirectory(off uint32, depth int, path []ResourceID) error {
	if r.visited[off] {
		return fmt.Errorf("%w: directory at 0x%X is referenced twice", ErrMalformedResourceDirectory, off)
	}
	r.visited[off] = true

	if uint64(off)+sizeIMAGE_RESOURCE_DIRECTORY > uint64(len(r.dir)) {
		return fmt.Errorf("%w: directory at 0x%X: want %d bytes, got %d", ErrMalformedResourceDirectory, off, sizeIMAGE_RESOURCE_DIRECTORY, len(r.dir)-int(min(uint64(off), uint64(len(r.dir)))))
	}
	numNamed := binary.LittleEndian.Uint16(r.dir[off+12:])
	numID := binary.LittleEndian.Uint16(r.dir[off+14:])
	count := uint64(numNamed) + uint64(numID)
	entriesEnd := uint64(off) + sizeIMAGE_RESOURCE_DIRECTORY + count*sizeIMAGE_RESOURCE_DIRECTORY_ENTRY
	if entriesEnd > uint64(len(r.dir)) {
		return fmt.Errorf("%w: directory at 0x%X: %d entries overrun the section", ErrMalformedResourceDirectory, off, count)
	}

	for i := uint64(0); i < count; i++ {
		eoff := uint64(off) + sizeIMAGE_RESOURCE_DIRECTORY + i*sizeIMAGE_RESOURCE_DIRECTORY_ENTRY
		nameField := binary.LittleEndian.Uint32(r.dir[eoff:])
		dataField := binary.LittleEndian.Uint32(r.dir[eoff+4:])

		var id ResourceID
		if nameField&resourceHighBit != 0 {
			if depth == 2 {
				return fmt.Errorf("%w: named language entry at 0x%X", ErrMalformedResourceDirectory, eoff)
			}
			name, err := r.readName(nameField &^ resourceHighBit)
			if err != nil {
				return err
			}
			id = NamedResource(name)
		} else {
			if nameField > 0xFFFF {
				return fmt.Errorf("%w: entry at 0x%X: ID 0x%X out of range", ErrMalformedResourceDirectory, eoff, nameField)
			}
			id = IntResource(uint16(nameField))
		}

		isDir := dataField&resourceHighBit != 0
		switch {
		case depth < 2 && !isDir:
			return fmt.Errorf("%w: entry at 0x%X: want subdirectory at level %d", ErrMalformedResourceDirectory, eoff, depth)
		case depth == 2 && isDir:
			return fmt.Errorf("%w: entry at 0x%X: directory nested deeper than 3 levels", ErrMalformedResourceDirectory, eoff)
		case isDir:
			if err := r.readDirectory(dataField&^resourceHighBit, depth+1, append(path, id)); err != nil {
				return err
			}
		default:
			if err := r.readData(dataField, path[0], path[1], id.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *resourceReader) readName(off uint32) (string, error) {
	if uint64(off)+2 > uint64(len(r.dir)) {
		return "", fmt.Errorf("%w: name at 0x%X is outside the section", ErrMalformedResourceDirectory, off)
	}
	n := uint64(binary.LittleEndian.Uint16(r.dir[off:]))
	if n == 0 || uint64(off)+2+2*n > uint64(len(r.dir)) {
		return "", fmt.Errorf("%w: name at 0x%X: bad length %d", ErrMalformedResourceDirectory, off, n)
	}
	u := make([]uint16, n)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(r.dir[uint64(off)+2+2*uint64(i):])
	}
	return string(utf16.Decode(u)), nil
}

func (r *resourceReader) readData(off uint32, typ, name ResourceID, lang uint16) error {
	if uint64(off)+sizeIMAGE_RESOURCE_DATA_ENTRY > uint64(len(r.dir)) {
		return fmt.Errorf("%w: data entry at 0x%X is outside the section", ErrMalformedResourceDirectory, off)
	}
	rva := binary.LittleEndian.Uint32(r.dir[off:])
	size := binary.LittleEndian.Uint32(r.dir[off+4:])
	codePage := binary.LittleEndian.Uint32(r.dir[off+8:])

	var data []byte
	if size > 0 {
		foff, ok := r.img.RVAToOffset(rva)
		if !ok {
			return fmt.Errorf("%w: %s/%s/0x%04X: data RVA 0x%X is outside every section", ErrMalformedResourceDirectory, typ, name, lang, rva)
		}
		if uint64(foff)+uint64(size) > uint64(len(r.img.data)) {
			return fmt.Errorf("%w: %s/%s/0x%04X: want %d bytes at 0x%X, file is %d bytes", ErrMalformedResourceDirectory, typ, name, lang, size, foff, len(r.img.data))
		}
		data = make([]byte, size)
		copy(data, r.img.data[foff:])
	}

	if _, ok := r.tree.Get(typ, name, lang); ok {
		return fmt.Errorf("%w: duplicate entry %s/%s/0x%04X", ErrMalformedResourceDirectory, typ, name, lang)
	}
	r.tree.setWithCodePage(typ, name, lang, codePage, data)
	return nil
}

// resourceWriter lays a tree out as directory tables, then data entries, then
// name strings, then the 8-byte aligned leaf data.
type resourceWriter struct {
	buf       []byte
	names     map[string]uint32
	dataEntry uint32
	strings   uint32
	blobs     uint32
}

// Serialize returns the packed resource section for t, to be loaded at
// baseRVA.
func (t *ResourceTree) Serialize(baseRVA uint32) []byte {
	var dirSize, numLeaves, stringSize uint32
	names := make(map[string]uint32)
	addName := func(id ResourceID) {
		if !id.IsNamed() {
			return
		}
		if _, ok := names[id.Name]; ok {
			return
		}
		names[id.Name] = stringSize
		stringSize += 2 + 2*uint32(len(utf16.Encode([]rune(id.Name))))
	}

	dirSize = sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(t.types))
	for _, rt := range t.types {
		addName(rt.id)
		dirSize += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rt.names))
		for _, rn := range rt.names {
			addName(rn.id)
			dirSize += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rn.langs))
			numLeaves += uint32(len(rn.langs))
		}
	}

	w := &resourceWriter{
		names:     names,
		dataEntry: dirSize,
		strings:   dirSize + numLeaves*sizeIMAGE_RESOURCE_DATA_ENTRY,
	}
	w.blobs = alignUp(w.strings+stringSize, resourceDataAlignment)

	total := w.blobs
	t.Walk(func(r Resource) bool {
		total = alignUp(total+uint32(len(r.Data)), resourceDataAlignment)
		return true
	})
	w.buf = make([]byte, total)

	for name, off := range names {
		u := utf16.Encode([]rune(name))
		p := w.strings + off
		binary.LittleEndian.PutUint16(w.buf[p:], uint16(len(u)))
		for i, c := range u {
			binary.LittleEndian.PutUint16(w.buf[p+2+2*uint32(i):], c)
		}
	}

	// Tables are emitted breadth first: root, every type directory, then
	// every language directory.
	typeDirs := uint32(sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*len(t.types))
	langDirs := typeDirs
	for _, rt := range t.types {
		langDirs += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rt.names))
	}

	rootIDs := make([]ResourceID, len(t.types))
	rootTargets := make([]uint32, len(t.types))
	next := typeDirs
	for i, rt := range t.types {
		rootIDs[i] = rt.id
		rootTargets[i] = next | resourceHighBit
		next += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rt.names))
	}
	w.putTable(0, rootIDs, rootTargets)

	typeOff := typeDirs
	langOff := langDirs
	leaf := w.dataEntry
	blob := w.blobs
	for _, rt := range t.types {
		nameIDs := make([]ResourceID, len(rt.names))
		nameTargets := make([]uint32, len(rt.names))
		for i, rn := range rt.names {
			nameIDs[i] = rn.id
			nameTargets[i] = langOff | resourceHighBit

			langIDs := make([]ResourceID, len(rn.langs))
			langTargets := make([]uint32, len(rn.langs))
			for j, rl := range rn.langs {
				langIDs[j] = IntResource(rl.lang)
				langTargets[j] = leaf

				binary.LittleEndian.PutUint32(w.buf[leaf:], baseRVA+blob)
				binary.LittleEndian.PutUint32(w.buf[leaf+4:], uint32(len(rl.data)))
				binary.LittleEndian.PutUint32(w.buf[leaf+8:], rl.codePage)
				copy(w.buf[blob:], rl.data)

				leaf += sizeIMAGE_RESOURCE_DATA_ENTRY
				blob = alignUp(blob+uint32(len(rl.data)), resourceDataAlignment)
			}
			w.putTable(langOff, langIDs, langTargets)
			langOff += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rn.langs))
		}
		w.putTable(typeOff, nameIDs, nameTargets)
		typeOff += sizeIMAGE_RESOURCE_DIRECTORY + sizeIMAGE_RESOURCE_DIRECTORY_ENTRY*uint32(len(rt.names))
	}

	return w.buf
}

// putTable writes a directory table at off. ids must already be in on-disk
// order.
func (w *resourceWriter) putTable(off uint32, ids []ResourceID, targets []uint32) {
	var numNamed, numID uint16
	for _, id := range ids {
		if id.IsNamed() {
			numNamed++
		} else {
			numID++
		}
	}
	binary.LittleEndian.PutUint16(w.buf[off+12:], numNamed)
	binary.LittleEndian.PutUint16(w.buf[off+14:], numID)

	e := off + sizeIMAGE_RESOURCE_DIRECTORY
	for i, id := range ids {
		if id.IsNamed() {
			binary.LittleEndian.PutUint32(w.buf[e:], (w.strings+w.names[id.Name])|resourceHighBit)
		} else {
			binary.LittleEndian.PutUint32(w.buf[e:], uint32(id.ID))
		}
		binary.LittleEndian.PutUint32(w.buf[e+4:], targets[i])
		e += sizeIMAGE_RESOURCE_DIRECTORY_ENTRY
	}
}
