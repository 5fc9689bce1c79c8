// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package petest builds small synthetic PE images for tests.
package petest

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
)

const (
	FileAlignment    = 0x200
	SectionAlignment = 0x1000

	offsetPEHeader = 0x40
)

// Section describes one section of a synthetic image. Sections are laid out
// in order, each at the next free aligned address.
type Section struct {
	Name string
	Data []byte
	// Content, when set, is called with the section RVA and overrides Data.
	Content func(rva uint32) []byte
	// VirtualSize defaults to the content length.
	VirtualSize uint32
	// Characteristics defaults to initialized read-only data.
	Characteristics uint32
	// Directories lists the data directory indexes that point at the whole
	// section.
	Directories []int
}

// Options describes a synthetic image.
type Options struct {
	PE32Plus bool
	Sections []Section
	// NumDirs defaults to 16.
	NumDirs int
	// CheckSum is stored verbatim in the optional header.
	CheckSum uint32
	// Overlay is appended after the last section.
	Overlay []byte
	// Certificate, when set, is appended after the overlay as a single
	// WIN_CERTIFICATE and referenced by the security directory.
	Certificate []byte
	// FillHeaderSlack marks the unused space after the section table as in
	// use, so no section header can be added.
	FillHeaderSlack bool
}

// Text is a code section.
func Text() Section {
	return Section{
		Name:            ".text",
		Data:            bytes.Repeat([]byte{0xC3}, 0x80),
		Characteristics: dpe.IMAGE_SCN_CNT_CODE | dpe.IMAGE_SCN_MEM_EXECUTE | dpe.IMAGE_SCN_MEM_READ,
	}
}

// Data is a writable data section.
func Data() Section {
	return Section{
		Name:            ".data",
		Data:            bytes.Repeat([]byte{0x5A}, 0x40),
		Characteristics: dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ | dpe.IMAGE_SCN_MEM_WRITE,
	}
}

// Reloc is a base relocation section with one empty block.
func Reloc() Section {
	block := make([]byte, 12)
	binary.LittleEndian.PutUint32(block[0:], 0x1000)
	binary.LittleEndian.PutUint32(block[4:], 12)
	return Section{
		Name:            ".reloc",
		Data:            block,
		Characteristics: dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ | dpe.IMAGE_SCN_MEM_DISCARDABLE,
		Directories:     []int{dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC},
	}
}

// Rsrc is a resource section holding content.
func Rsrc(content func(rva uint32) []byte) Section {
	return Section{
		Name:        ".rsrc",
		Content:     content,
		Directories: []int{dpe.IMAGE_DIRECTORY_ENTRY_RESOURCE},
	}
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Build returns the image described by opts.
func Build(opts Options) []byte {
	numDirs := opts.NumDirs
	if numDirs == 0 {
		numDirs = 16
	}

	ohFixed, magic, machine := 96, uint16(0x10B), uint16(dpe.IMAGE_FILE_MACHINE_I386)
	if opts.PE32Plus {
		ohFixed, magic, machine = 112, 0x20B, dpe.IMAGE_FILE_MACHINE_AMD64
	}
	ohSize := ohFixed + 8*numDirs

	tableOffset := offsetPEHeader + 4 + 20 + ohSize
	tableEnd := tableOffset + 40*len(opts.Sections)
	sizeOfHeaders := alignUp(uint32(tableEnd), FileAlignment)

	out := make([]byte, sizeOfHeaders)
	copy(out, "MZ")
	binary.LittleEndian.PutUint32(out[0x3C:], offsetPEHeader)
	copy(out[offsetPEHeader:], "PE\x00\x00")
	if opts.FillHeaderSlack {
		for i := tableEnd; i < len(out); i++ {
			out[i] = 0xCC
		}
	}

	var dirs [16]dpe.DataDirectory
	var headers []dpe.SectionHeader32
	var sizeOfCode, sizeOfInitData uint32
	va := uint32(SectionAlignment)
	for _, s := range opts.Sections {
		content := s.Data
		if s.Content != nil {
			content = s.Content(va)
		}
		vs := s.VirtualSize
		if vs == 0 {
			vs = uint32(len(content))
		}
		ch := s.Characteristics
		if ch == 0 {
			ch = dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ
		}
		rawSize := alignUp(uint32(len(content)), FileAlignment)

		sh := dpe.SectionHeader32{
			VirtualSize:      vs,
			VirtualAddress:   va,
			SizeOfRawData:    rawSize,
			PointerToRawData: uint32(len(out)),
			Characteristics:  ch,
		}
		copy(sh.Name[:], s.Name)
		headers = append(headers, sh)

		if ch&dpe.IMAGE_SCN_CNT_CODE != 0 {
			sizeOfCode += rawSize
		} else {
			sizeOfInitData += rawSize
		}
		for _, d := range s.Directories {
			dirs[d] = dpe.DataDirectory{VirtualAddress: va, Size: uint32(len(content))}
		}

		out = append(out, content...)
		out = append(out, make([]byte, rawSize-uint32(len(content)))...)
		va = alignUp(va+vs, SectionAlignment)
	}
	sizeOfImage := va

	out = append(out, opts.Overlay...)
	if opts.Certificate != nil {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		certOffset := len(out)
		length := 8 + len(opts.Certificate)
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:], uint32(length))
		binary.LittleEndian.PutUint16(hdr[4:], 0x0200)
		binary.LittleEndian.PutUint16(hdr[6:], 0x0002)
		out = append(out, hdr...)
		out = append(out, opts.Certificate...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		dirs[dpe.IMAGE_DIRECTORY_ENTRY_SECURITY] = dpe.DataDirectory{VirtualAddress: uint32(certOffset), Size: uint32(len(out) - certOffset)}
	}

	fh := dpe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(opts.Sections)),
		SizeOfOptionalHeader: uint16(ohSize),
		Characteristics:      dpe.IMAGE_FILE_EXECUTABLE_IMAGE,
	}
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, &fh)

	var oh bytes.Buffer
	if opts.PE32Plus {
		binary.Write(&oh, binary.LittleEndian, &dpe.OptionalHeader64{
			Magic:                 magic,
			SizeOfCode:            sizeOfCode,
			SizeOfInitializedData: sizeOfInitData,
			ImageBase:             0x140000000,
			SectionAlignment:      SectionAlignment,
			FileAlignment:         FileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			CheckSum:              opts.CheckSum,
			Subsystem:             dpe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			NumberOfRvaAndSizes:   uint32(numDirs),
			DataDirectory:         dirs,
		})
	} else {
		binary.Write(&oh, binary.LittleEndian, &dpe.OptionalHeader32{
			Magic:                 magic,
			SizeOfCode:            sizeOfCode,
			SizeOfInitializedData: sizeOfInitData,
			ImageBase:             0x400000,
			SectionAlignment:      SectionAlignment,
			FileAlignment:         FileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			CheckSum:              opts.CheckSum,
			Subsystem:             dpe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			NumberOfRvaAndSizes:   uint32(numDirs),
			DataDirectory:         dirs,
		})
	}
	hdr.Write(oh.Bytes()[:ohSize])
	for i := range headers {
		binary.Write(&hdr, binary.LittleEndian, &headers[i])
	}
	copy(out[offsetPEHeader+4:], hdr.Bytes())

	return out
}
