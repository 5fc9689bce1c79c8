// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	dpe "debug/pe"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var ErrSectionRelocationFailed = errors.New("no room to relocate the resource section")

const (
	rsrcSectionCharacteristics = dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ
	relocSectionName           = ".reloc"
)

var (
	rsrcSectionName    = [8]uint8{'.', 'r', 's', 'r', 'c'}
	oldRsrcSectionName = [8]uint8{'o', 'l', 'd', '.', 'r', 's', 'r', 'c'}
)

// Layout reports how Repack placed the resource blob.
type Layout int

const (
	LayoutInPlace Layout = iota
	LayoutGrown
	LayoutAppended
)

func (l Layout) String() string {
	switch l {
	case LayoutInPlace:
		return "in place"
	case LayoutGrown:
		return "grown"
	case LayoutAppended:
		return "appended"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// repacker holds a private copy of the image being rewritten.
type repacker struct {
	img       *Image
	fileAlign uint32
	sectAlign uint32
	layout    Layout
	va        uint32
}

// Repack returns a new image whose resource directory holds tree. img is not
// modified. The stored checksum is recomputed when img had one; an existing
// Authenticode signature is kept but no longer matches.
func Repack(img *Image, tree *ResourceTree) (*Image, Layout, error) {
	w, err := Parse(bytes.Clone(img.data))
	if err != nil {
		return nil, 0, err
	}

	rp := &repacker{img: w, fileAlign: w.fileAlignment(), sectAlign: w.sectionAlignment()}
	if !isPowerOfTwo(rp.fileAlign) || !isPowerOfTwo(rp.sectAlign) {
		return nil, 0, fmt.Errorf("%w: file alignment 0x%X, section alignment 0x%X", ErrInvalidBinary, rp.fileAlign, rp.sectAlign)
	}
	if w.numDirs <= IMAGE_DIRECTORY_ENTRY_RESOURCE {
		return nil, 0, fmt.Errorf("%w: image declares only %d data directories", ErrSectionRelocationFailed, w.numDirs)
	}

	host := -1
	if dde, err := w.ResourceDirectory(); err == nil {
		for i := range w.sections {
			if w.sections[i].VirtualAddress == dde.VirtualAddress {
				host = i
				break
			}
		}
	}

	var blob []byte
	if host >= 0 {
		blob = tree.Serialize(w.sections[host].VirtualAddress)
	}
	switch {
	case host >= 0 && rp.fitsInPlace(host, blob):
		rp.writeInPlace(host, blob)
	case host >= 0 && rp.canGrow(host):
		if err := rp.grow(host, blob); err != nil {
			return nil, 0, err
		}
	default:
		if blob, err = rp.appendSection(host, tree); err != nil {
			return nil, 0, err
		}
	}

	dd := w.dataDirs()
	dd[IMAGE_DIRECTORY_ENTRY_RESOURCE] = dpe.DataDirectory{
		VirtualAddress: rp.va,
		Size:           uint32(len(blob)),
	}

	var virtEnd uint64
	for _, s := range w.sections {
		if e := uint64(s.VirtualAddress) + uint64(s.virtualSpan()); e > virtEnd {
			virtEnd = e
		}
	}
	virtEnd = alignUp(virtEnd, uint64(rp.sectAlign))
	if virtEnd > math.MaxUint32 {
		return nil, 0, fmt.Errorf("%w: image would span 0x%X bytes", ErrSectionRelocationFailed, virtEnd)
	}
	w.setSizeOfImage(uint32(virtEnd))

	hadCheckSum := w.checkSum() != 0
	w.setCheckSum(0)
	w.writeHeaders()
	if hadCheckSum {
		w.setCheckSum(w.ComputeCheckSum())
		w.writeHeaders()
	}

	out, err := Parse(w.data)
	if err != nil {
		return nil, 0, err
	}
	return out, rp.layout, nil
}

func isPowerOfTwo(v uint32) bool {
	return bits.OnesCount32(v) == 1
}

// nextVA returns the lowest section RVA above the host, or 0 if none.
func (rp *repacker) nextVA(host int) uint32 {
	var next uint32
	hva := rp.img.sections[host].VirtualAddress
	for _, s := range rp.img.sections {
		if s.VirtualAddress > hva && (next == 0 || s.VirtualAddress < next) {
			next = s.VirtualAddress
		}
	}
	return next
}

// fitsInPlace reports whether blob fits in the host's raw data without
// reaching the next section.
func (rp *repacker) fitsInPlace(host int, blob []byte) bool {
	s := &rp.img.sections[host]
	n := uint64(len(blob))
	if !s.hasRawData() || n > uint64(s.SizeOfRawData) || uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) > uint64(len(rp.img.data)) {
		return false
	}
	next := rp.nextVA(host)
	return next == 0 || uint64(s.VirtualAddress)+n <= uint64(next)
}

func (rp *repacker) writeInPlace(host int, blob []byte) {
	s := &rp.img.sections[host]

	raw := rp.img.data[s.PointerToRawData : s.PointerToRawData+s.SizeOfRawData]
	n := copy(raw, blob)
	clear(raw[n:])
	s.VirtualSize = uint32(len(blob))

	rp.layout = LayoutInPlace
	rp.va = s.VirtualAddress
}

func (rp *repacker) isRelocSection(s *SectionHeader) bool {
	if s.NameString() == relocSectionName {
		return true
	}
	dde, err := rp.img.DataDirectory(IMAGE_DIRECTORY_ENTRY_BASERELOC)
	return err == nil && dde.VirtualAddress == s.VirtualAddress
}

// canGrow reports whether every section placed after the host is a base
// relocation section. Those may move since nothing refers to their address
// except the data directory.
func (rp *repacker) canGrow(host int) bool {
	hs := &rp.img.sections[host]
	if !hs.hasRawData() || uint64(hs.PointerToRawData)+uint64(hs.SizeOfRawData) > uint64(len(rp.img.data)) {
		return false
	}
	hostStart, hostEnd := hs.PointerToRawData, hs.PointerToRawData+hs.SizeOfRawData
	for i := range rp.img.sections {
		if i == host {
			continue
		}
		s := &rp.img.sections[i]
		if s.VirtualAddress > hs.VirtualAddress && !rp.isRelocSection(s) {
			return false
		}
		if s.hasRawData() && s.PointerToRawData < hostEnd && s.PointerToRawData+s.SizeOfRawData > hostStart {
			return false
		}
	}
	return true
}

// grow enlarges the host section and shifts whatever follows it, both in the
// file and in memory.
func (rp *repacker) grow(host int, blob []byte) error {
	img := rp.img
	hs := &img.sections[host]

	oldRaw := hs.SizeOfRawData
	newRaw := max(alignUp(uint64(len(blob)), uint64(rp.fileAlign)), uint64(oldRaw))
	rawDelta := newRaw - uint64(oldRaw)
	hostEnd := hs.PointerToRawData + oldRaw

	var virtDelta uint64
	if next := rp.nextVA(host); next != 0 {
		newVirtEnd := alignUp(uint64(hs.VirtualAddress)+uint64(len(blob)), uint64(rp.sectAlign))
		if newVirtEnd > uint64(next) {
			virtDelta = newVirtEnd - uint64(next)
		}
	}
	if uint64(len(img.data))+rawDelta > math.MaxUint32 {
		return fmt.Errorf("%w: file would grow to %d bytes", ErrSectionRelocationFailed, uint64(len(img.data))+rawDelta)
	}

	data := make([]byte, 0, uint64(len(img.data))+rawDelta)
	data = append(data, img.data[:hs.PointerToRawData]...)
	data = append(data, blob...)
	data = append(data, make([]byte, newRaw-uint64(len(blob)))...)
	data = append(data, img.data[hostEnd:]...)
	img.data = data

	hostVA := hs.VirtualAddress
	for i := range img.sections {
		s := &img.sections[i]
		if i == host {
			continue
		}
		if s.VirtualAddress > hostVA {
			s.VirtualAddress += uint32(virtDelta)
		}
		if s.hasRawData() && s.PointerToRawData >= hostEnd {
			s.PointerToRawData += uint32(rawDelta)
		}
	}
	hs.VirtualSize = uint32(len(blob))
	hs.SizeOfRawData = uint32(newRaw)

	dd := img.dataDirs()
	for i := range dd {
		switch {
		case i == IMAGE_DIRECTORY_ENTRY_RESOURCE || dd[i].VirtualAddress == 0:
		case i == IMAGE_DIRECTORY_ENTRY_SECURITY:
			// The certificate table is addressed by file offset.
			if dd[i].VirtualAddress >= hostEnd {
				dd[i].VirtualAddress += uint32(rawDelta)
			}
		case dd[i].VirtualAddress > hostVA:
			dd[i].VirtualAddress += uint32(virtDelta)
		}
	}
	if p := img.fileHeader.PointerToSymbolTable; p != 0 && p >= hostEnd {
		img.fileHeader.PointerToSymbolTable += uint32(rawDelta)
	}
	img.setSizeOfInitializedData(img.sizeOfInitializedData() - oldRaw + uint32(newRaw))

	rp.layout = LayoutGrown
	rp.va = hostVA
	return nil
}

// appendSection places the resources in a new .rsrc section after every
// existing one. The previous host, if any, is renamed and left as is.
func (rp *repacker) appendSection(host int, tree *ResourceTree) ([]byte, error) {
	img := rp.img
	n := len(img.sections)
	if n+1 > maxNumSections {
		return nil, fmt.Errorf("%w: image already has %d sections", ErrSectionRelocationFailed, n)
	}

	slot := img.sectionTableOffset + n*sizeIMAGE_SECTION_HEADER
	slotEnd := slot + sizeIMAGE_SECTION_HEADER
	room := int(img.sizeOfHeaders())
	for _, s := range img.sections {
		if s.hasRawData() && int(s.PointerToRawData) < room {
			room = int(s.PointerToRawData)
		}
	}
	if slotEnd > room || slotEnd > len(img.data) {
		return nil, fmt.Errorf("%w: want %d bytes for a section header at 0x%X, headers end at 0x%X", ErrSectionRelocationFailed, sizeIMAGE_SECTION_HEADER, slot, room)
	}
	for _, b := range img.data[slot:slotEnd] {
		if b != 0 {
			return nil, fmt.Errorf("%w: header space at 0x%X is in use", ErrSectionRelocationFailed, slot)
		}
	}

	var virtEnd uint64
	for _, s := range img.sections {
		if e := uint64(s.VirtualAddress) + uint64(s.virtualSpan()); e > virtEnd {
			virtEnd = e
		}
	}
	va := alignUp(virtEnd, uint64(rp.sectAlign))
	if va > math.MaxUint32 {
		return nil, fmt.Errorf("%w: no address space left above 0x%X", ErrSectionRelocationFailed, virtEnd)
	}
	blob := tree.Serialize(uint32(va))
	if va+alignUp(uint64(len(blob)), uint64(rp.sectAlign)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes of resources do not fit above 0x%X", ErrSectionRelocationFailed, len(blob), va)
	}

	dataEnd := uint64(img.sectionDataEnd())
	ptr := alignUp(dataEnd, uint64(rp.fileAlign))
	rawSize := alignUp(uint64(len(blob)), uint64(rp.fileAlign))
	inserted := ptr + rawSize - dataEnd
	if uint64(len(img.data))+inserted > math.MaxUint32 {
		return nil, fmt.Errorf("%w: file would grow to %d bytes", ErrSectionRelocationFailed, uint64(len(img.data))+inserted)
	}

	tail := img.data[min(dataEnd, uint64(len(img.data))):]
	data := make([]byte, 0, ptr+rawSize+uint64(len(tail)))
	data = append(data, img.data[:min(dataEnd, uint64(len(img.data)))]...)
	data = append(data, make([]byte, ptr-uint64(len(data)))...)
	data = append(data, blob...)
	data = append(data, make([]byte, rawSize-uint64(len(blob)))...)
	data = append(data, tail...)
	img.data = data

	if host >= 0 {
		img.sections[host].Name = oldRsrcSectionName
	}
	img.sections = append(img.sections, SectionHeader{dpe.SectionHeader32{
		Name:             rsrcSectionName,
		VirtualSize:      uint32(len(blob)),
		VirtualAddress:   uint32(va),
		SizeOfRawData:    uint32(rawSize),
		PointerToRawData: uint32(ptr),
		Characteristics:  rsrcSectionCharacteristics,
	}})
	img.fileHeader.NumberOfSections++

	dd := img.dataDirs()
	if len(dd) > IMAGE_DIRECTORY_ENTRY_SECURITY {
		if sec := &dd[IMAGE_DIRECTORY_ENTRY_SECURITY]; sec.VirtualAddress != 0 && uint64(sec.VirtualAddress) >= dataEnd {
			sec.VirtualAddress += uint32(inserted)
		}
	}
	if p := img.fileHeader.PointerToSymbolTable; p != 0 && uint64(p) >= dataEnd {
		img.fileHeader.PointerToSymbolTable += uint32(inserted)
	}
	img.setSizeOfInitializedData(img.sizeOfInitializedData() + uint32(rawSize))

	rp.layout = LayoutAppended
	rp.va = uint32(va)
	return blob, nil
}
