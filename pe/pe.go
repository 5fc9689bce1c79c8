// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pe provides a bounds-checked parser for PE images held in memory,
// along with the resource directory codec and section writer needed to
// replace an image's resources.
package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Image is a PE binary held in memory together with its parsed headers.
// Every header field it reports is consistent with Bytes().
type Image struct {
	data                 []byte
	fileHeaderOffset     int
	optionalHeaderOffset int
	sectionTableOffset   int
	fileHeader           dpe.FileHeader
	oh32                 *dpe.OptionalHeader32
	oh64                 *dpe.OptionalHeader64
	numDirs              int
	sections             []SectionHeader
}

const (
	offsetIMAGE_DOS_HEADERe_lfanew = 60
	sizeIMAGE_DOS_HEADER           = 64
	sizeIMAGE_FILE_HEADER          = 20
	sizeIMAGE_SECTION_HEADER       = 40
	sizeIMAGE_DATA_DIRECTORY       = 8
	sizeOptionalHeader32Fixed      = 96
	sizeOptionalHeader64Fixed      = 112
	offsetOptionalHeaderCheckSum   = 64
	maxNumSections                 = 96 // Windows loader limit
	maxNumDataDirectories          = 16
)

var (
	ErrBadLength             = errors.New("effective length did not match expected length")
	ErrNotPresent            = errors.New("not present in this PE image")
	ErrIndexOutOfRange       = errors.New("index out of range")
	ErrInvalidBinary         = errors.New("invalid PE binary")
	ErrUnknownOptionalHeader = errors.New("unknown optional header magic")
)

// SectionHeader is an entry of the section table.
type SectionHeader struct {
	dpe.SectionHeader32
}

// NameString returns the section name without trailing NULs.
func (s *SectionHeader) NameString() string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}

	return string(s.Name[:])
}

func (s *SectionHeader) virtualSpan() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

func (s *SectionHeader) hasRawData() bool {
	return s.SizeOfRawData != 0 && s.Characteristics&dpe.IMAGE_SCN_CNT_UNINITIALIZED_DATA == 0
}

func readStruct[T any, O constraints.Integer](data []byte, off O) (*T, error) {
	v := new(T)
	sz := binary.Size(v)
	if off < 0 || sz < 0 || uint64(off)+uint64(sz) > uint64(len(data)) {
		return nil, ErrInvalidBinary
	}
	if err := binary.Read(bytes.NewReader(data[off:]), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

func writeStruct[O constraints.Integer](data []byte, off O, v any) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	copy(data[off:], buf.Bytes())
}

func alignUp[V constraints.Integer](v V, powerOfTwo V) V {
	if v < 0 || powerOfTwo < 0 || bits.OnesCount64(uint64(powerOfTwo)) != 1 {
		panic("invalid arguments to alignUp")
	}
	return v + ((-v) & (powerOfTwo - 1))
}

// Parse parses the headers of the PE image in data. The returned Image owns
// data; callers must not modify it afterwards.
func Parse(data []byte) (*Image, error) {
	if len(data) < sizeIMAGE_DOS_HEADER || data[0] != 'M' || data[1] != 'Z' {
		return nil, ErrInvalidBinary
	}

	e_lfanew := int32(binary.LittleEndian.Uint32(data[offsetIMAGE_DOS_HEADERe_lfanew:]))
	if e_lfanew <= 0 || int64(e_lfanew)+4 > int64(len(data)) {
		return nil, ErrInvalidBinary
	}
	if !bytes.Equal(data[e_lfanew:e_lfanew+4], []byte{'P', 'E', 0, 0}) {
		return nil, ErrInvalidBinary
	}

	img := &Image{data: data}
	img.fileHeaderOffset = int(e_lfanew) + 4
	fileHeader, err := readStruct[dpe.FileHeader](data, img.fileHeaderOffset)
	if err != nil {
		return nil, err
	}
	img.fileHeader = *fileHeader

	img.optionalHeaderOffset = img.fileHeaderOffset + sizeIMAGE_FILE_HEADER
	ohSize := int(img.fileHeader.SizeOfOptionalHeader)
	if ohSize < 2 || img.optionalHeaderOffset+ohSize > len(data) {
		return nil, ErrInvalidBinary
	}
	raw := data[img.optionalHeaderOffset : img.optionalHeaderOffset+ohSize]

	var fixed int
	switch magic := binary.LittleEndian.Uint16(raw); magic {
	case 0x010B:
		fixed = sizeOptionalHeader32Fixed
		img.oh32 = new(dpe.OptionalHeader32)
		if err := decodeOptionalHeader(raw, img.oh32); err != nil {
			return nil, err
		}
		img.numDirs = int(img.oh32.NumberOfRvaAndSizes)
	case 0x020B:
		fixed = sizeOptionalHeader64Fixed
		img.oh64 = new(dpe.OptionalHeader64)
		if err := decodeOptionalHeader(raw, img.oh64); err != nil {
			return nil, err
		}
		img.numDirs = int(img.oh64.NumberOfRvaAndSizes)
	default:
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownOptionalHeader, magic)
	}
	if ohSize < fixed {
		return nil, fmt.Errorf("%w: optional header: want at least %d bytes, got %d", ErrInvalidBinary, fixed, ohSize)
	}
	if room := (ohSize - fixed) / sizeIMAGE_DATA_DIRECTORY; img.numDirs > room {
		img.numDirs = room
	}
	if img.numDirs > maxNumDataDirectories {
		img.numDirs = maxNumDataDirectories
	}

	numSections := int(img.fileHeader.NumberOfSections)
	if numSections > maxNumSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidBinary, numSections)
	}

	img.sectionTableOffset = img.optionalHeaderOffset + ohSize
	img.sections = make([]SectionHeader, numSections)
	for i := range img.sections {
		sh, err := readStruct[dpe.SectionHeader32](data, img.sectionTableOffset+i*sizeIMAGE_SECTION_HEADER)
		if err != nil {
			return nil, err
		}
		img.sections[i] = SectionHeader{*sh}
		if s := &img.sections[i]; s.hasRawData() {
			if end := int64(s.PointerToRawData) + int64(s.SizeOfRawData); end > int64(len(data)) {
				return nil, fmt.Errorf("%w: section %q raw data ends at 0x%X, file ends at 0x%X", ErrInvalidBinary, s.NameString(), end, len(data))
			}
		}
	}

	return img, nil
}

// decodeOptionalHeader decodes raw into oh. raw may be shorter than *oh when
// the image declares fewer than 16 data directories; the missing entries are
// left zero.
func decodeOptionalHeader(raw []byte, oh any) error {
	buf := make([]byte, binary.Size(oh))
	copy(buf, raw)
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, oh)
}

// Bytes returns the image contents.
func (img *Image) Bytes() []byte {
	return img.data
}

// FileHeader returns the COFF file header.
func (img *Image) FileHeader() *dpe.FileHeader {
	fh := img.fileHeader
	return &fh
}

// Is64 reports whether the image has a PE32+ optional header.
func (img *Image) Is64() bool {
	return img.oh64 != nil
}

// Sections returns a copy of the section table.
func (img *Image) Sections() []SectionHeader {
	return append([]SectionHeader(nil), img.sections...)
}

func (img *Image) sectionAlignment() uint32 {
	if img.oh64 != nil {
		return img.oh64.SectionAlignment
	}
	return img.oh32.SectionAlignment
}

func (img *Image) fileAlignment() uint32 {
	if img.oh64 != nil {
		return img.oh64.FileAlignment
	}
	return img.oh32.FileAlignment
}

func (img *Image) sizeOfHeaders() uint32 {
	if img.oh64 != nil {
		return img.oh64.SizeOfHeaders
	}
	return img.oh32.SizeOfHeaders
}

func (img *Image) checkSum() uint32 {
	if img.oh64 != nil {
		return img.oh64.CheckSum
	}
	return img.oh32.CheckSum
}

func (img *Image) setCheckSum(v uint32) {
	if img.oh64 != nil {
		img.oh64.CheckSum = v
	} else {
		img.oh32.CheckSum = v
	}
}

func (img *Image) sizeOfImage() uint32 {
	if img.oh64 != nil {
		return img.oh64.SizeOfImage
	}
	return img.oh32.SizeOfImage
}

func (img *Image) setSizeOfImage(v uint32) {
	if img.oh64 != nil {
		img.oh64.SizeOfImage = v
	} else {
		img.oh32.SizeOfImage = v
	}
}

func (img *Image) sizeOfInitializedData() uint32 {
	if img.oh64 != nil {
		return img.oh64.SizeOfInitializedData
	}
	return img.oh32.SizeOfInitializedData
}

func (img *Image) setSizeOfInitializedData(v uint32) {
	if img.oh64 != nil {
		img.oh64.SizeOfInitializedData = v
	} else {
		img.oh32.SizeOfInitializedData = v
	}
}

// dataDirs returns the declared data directories. The slice aliases the
// optional header, so writes through it are kept by writeHeaders.
func (img *Image) dataDirs() []dpe.DataDirectory {
	if img.oh64 != nil {
		return img.oh64.DataDirectory[:img.numDirs]
	}
	return img.oh32.DataDirectory[:img.numDirs]
}

const (
	IMAGE_DIRECTORY_ENTRY_RESOURCE  = dpe.IMAGE_DIRECTORY_ENTRY_RESOURCE
	IMAGE_DIRECTORY_ENTRY_SECURITY  = dpe.IMAGE_DIRECTORY_ENTRY_SECURITY
	IMAGE_DIRECTORY_ENTRY_BASERELOC = dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC
)

// DataDirectory returns the data directory entry at index idx, one of
// the IMAGE_DIRECTORY_ENTRY_* constants.
func (img *Image) DataDirectory(idx int) (dpe.DataDirectory, error) {
	dd := img.dataDirs()
	if idx < 0 || idx >= len(dd) {
		return dpe.DataDirectory{}, ErrIndexOutOfRange
	}

	dde := dd[idx]
	if dde.VirtualAddress == 0 || dde.Size == 0 {
		return dpe.DataDirectory{}, ErrNotPresent
	}
	return dde, nil
}

// ResourceDirectory returns the resource data directory entry, or
// ErrNotPresent when the image has no resources.
func (img *Image) ResourceDirectory() (dpe.DataDirectory, error) {
	return img.DataDirectory(IMAGE_DIRECTORY_ENTRY_RESOURCE)
}

// RVAToOffset converts rva to a file offset. ok is false when rva does not
// fall within the raw data of any section.
func (img *Image) RVAToOffset(rva uint32) (offset int64, ok bool) {
	for _, s := range img.sections {
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+s.virtualSpan() {
			continue
		}
		voff := rva - s.VirtualAddress
		if voff >= s.SizeOfRawData {
			return 0, false
		}
		foff := int64(s.PointerToRawData) + int64(voff)
		if foff >= int64(len(img.data)) {
			return 0, false
		}
		return foff, true
	}

	return 0, false
}

// sectionDataEnd returns the file offset just past the last section's raw data.
func (img *Image) sectionDataEnd() uint32 {
	end := img.sizeOfHeaders()
	for _, s := range img.sections {
		if !s.hasRawData() {
			continue
		}
		if e := s.PointerToRawData + s.SizeOfRawData; e > end {
			end = e
		}
	}
	if n := uint32(len(img.data)); end > n {
		end = n
	}
	return end
}

// Overlay returns the bytes appended after the last section, such as a
// signature or an archive concatenated to a launcher stub.
func (img *Image) Overlay() []byte {
	end := int(img.sectionDataEnd())
	if end >= len(img.data) {
		return nil
	}
	return img.data[end:]
}

// IsSigned reports whether the image carries an Authenticode signature.
func (img *Image) IsSigned() bool {
	_, err := img.DataDirectory(IMAGE_DIRECTORY_ENTRY_SECURITY)
	return err == nil
}

// writeHeaders serializes the in-memory headers back into img.data.
func (img *Image) writeHeaders() {
	writeStruct(img.data, img.fileHeaderOffset, &img.fileHeader)

	var buf bytes.Buffer
	fixed := sizeOptionalHeader32Fixed
	if img.oh64 != nil {
		fixed = sizeOptionalHeader64Fixed
		binary.Write(&buf, binary.LittleEndian, img.oh64)
	} else {
		binary.Write(&buf, binary.LittleEndian, img.oh32)
	}
	copy(img.data[img.optionalHeaderOffset:], buf.Bytes()[:fixed+img.numDirs*sizeIMAGE_DATA_DIRECTORY])

	for i := range img.sections {
		writeStruct(img.data, img.sectionTableOffset+i*sizeIMAGE_SECTION_HEADER, &img.sections[i].SectionHeader32)
	}
}

// WIN_CERT_REVISION is an enumeration from the Windows SDK.
type WIN_CERT_REVISION uint16

const (
	WIN_CERT_REVISION_1_0 WIN_CERT_REVISION = 0x0100
	WIN_CERT_REVISION_2_0 WIN_CERT_REVISION = 0x0200
)

// WIN_CERT_TYPE is an enumeration from the Windows SDK.
type WIN_CERT_TYPE uint16

const (
	WIN_CERT_TYPE_X509             WIN_CERT_TYPE = 0x0001
	WIN_CERT_TYPE_PKCS_SIGNED_DATA WIN_CERT_TYPE = 0x0002
	WIN_CERT_TYPE_TS_STACK_SIGNED  WIN_CERT_TYPE = 0x0004
)

type _WIN_CERTIFICATE_HEADER struct {
	Length          uint32
	Revision        WIN_CERT_REVISION
	CertificateType WIN_CERT_TYPE
}

const sizeWIN_CERTIFICATE_HEADER = 8

// AuthenticodeCert represents an authenticode signature that has been extracted
// from a signed PE binary but not fully parsed.
type AuthenticodeCert struct {
	header _WIN_CERTIFICATE_HEADER
	data   []byte
}

// Revision returns the revision of ac.
func (ac *AuthenticodeCert) Revision() WIN_CERT_REVISION {
	return ac.header.Revision
}

// Type returns the type of ac.
func (ac *AuthenticodeCert) Type() WIN_CERT_TYPE {
	return ac.header.CertificateType
}

// Data returns the raw bytes of ac's cert.
func (ac *AuthenticodeCert) Data() []byte {
	return ac.data
}

// Certificates returns the attribute certificates of a signed image.
func (img *Image) Certificates() ([]AuthenticodeCert, error) {
	dde, err := img.DataDirectory(IMAGE_DIRECTORY_ENTRY_SECURITY)
	if err != nil {
		return nil, err
	}

	// The VirtualAddress is a file offset.
	if int64(dde.VirtualAddress)+int64(dde.Size) > int64(len(img.data)) {
		return nil, fmt.Errorf("%w: certificate table at 0x%X+%d exceeds file size %d", ErrBadLength, dde.VirtualAddress, dde.Size, len(img.data))
	}
	sr := io.NewSectionReader(bytes.NewReader(img.data), int64(dde.VirtualAddress), int64(dde.Size))

	var result []AuthenticodeCert
	var curOffset int64
	for {
		var entry AuthenticodeCert
		if err := binary.Read(sr, binary.LittleEndian, &entry.header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if entry.header.Length < sizeWIN_CERTIFICATE_HEADER {
			return nil, fmt.Errorf("%w: certificate length %d", ErrBadLength, entry.header.Length)
		}
		curOffset += sizeWIN_CERTIFICATE_HEADER

		entry.data = make([]byte, entry.header.Length-sizeWIN_CERTIFICATE_HEADER)
		n, err := io.ReadFull(sr, entry.data)
		if err != nil {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrBadLength, len(entry.data), n)
		}
		curOffset += int64(n)

		result = append(result, entry)

		curOffset = alignUp(curOffset, 8)
		if _, err := sr.Seek(curOffset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	return result, nil
}
