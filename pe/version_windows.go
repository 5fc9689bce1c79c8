// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package pe

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/kristal-tools/modpack/versioninfo"
	"golang.org/x/sys/windows"
)

var (
	errFixedFileInfoTooShort = errors.New("buffer smaller than VS_FIXEDFILEINFO")
	errFixedFileInfoBadSig   = errors.New("bad VS_FIXEDFILEINFO signature")
)

type langAndCodePage struct {
	language uint16
	codePage uint16
}

// SystemVersionInfo is the version resource of a file as seen by the Windows
// version API. It is used to check patched executables against the loader's
// own reading of them.
type SystemVersionInfo struct {
	buf            []byte
	translationIDs []langAndCodePage
	fixed          *windows.VS_FIXEDFILEINFO
}

// ReadSystemVersionInfo loads the version resource of filepath with
// GetFileVersionInfo. It returns ErrNotPresent when the file has none.
func ReadSystemVersionInfo(filepath string) (*SystemVersionInfo, error) {
	bufSize, err := windows.GetFileVersionInfoSize(filepath, nil)
	if err != nil {
		if errors.Is(err, windows.ERROR_RESOURCE_TYPE_NOT_FOUND) || errors.Is(err, windows.ERROR_RESOURCE_DATA_NOT_FOUND) {
			err = ErrNotPresent
		}
		return nil, err
	}

	buf := make([]byte, bufSize)
	if err := windows.GetFileVersionInfo(filepath, 0, bufSize, unsafe.Pointer(&buf[0])); err != nil {
		return nil, err
	}

	var fixed *windows.VS_FIXEDFILEINFO
	var fixedLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&buf[0]), `\`, unsafe.Pointer(&fixed), &fixedLen); err != nil {
		return nil, err
	}
	if fixedLen < uint32(unsafe.Sizeof(windows.VS_FIXEDFILEINFO{})) {
		return nil, errFixedFileInfoTooShort
	}
	if fixed.Signature != versioninfo.FixedFileInfoSignature {
		return nil, errFixedFileInfoBadSig
	}

	var translationIDs []langAndCodePage
	var ids *langAndCodePage
	var idsNumBytes uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&buf[0]), `\VarFileInfo\Translation`, unsafe.Pointer(&ids), &idsNumBytes); err == nil {
		translationIDs = unsafe.Slice(ids, idsNumBytes/uint32(unsafe.Sizeof(*ids)))
	}

	return &SystemVersionInfo{
		buf:            buf,
		translationIDs: translationIDs,
		fixed:          fixed,
	}, nil
}

// FileVersion returns the packed file version of the fixed info.
func (vi *SystemVersionInfo) FileVersion() versioninfo.Version {
	return versioninfo.VersionFromPacked(vi.fixed.FileVersionMS, vi.fixed.FileVersionLS)
}

// ProductVersion returns the packed product version of the fixed info.
func (vi *SystemVersionInfo) ProductVersion() versioninfo.Version {
	return versioninfo.VersionFromPacked(vi.fixed.ProductVersionMS, vi.fixed.ProductVersionLS)
}

func (vi *SystemVersionInfo) queryWithLangAndCodePage(key string, lcp langAndCodePage) (string, error) {
	fq := fmt.Sprintf("\\StringFileInfo\\%04x%04x\\%s", lcp.language, lcp.codePage, key)

	var value *uint16
	var valueLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&vi.buf[0]), fq, unsafe.Pointer(&value), &valueLen); err != nil {
		return "", err
	}

	return windows.UTF16ToString(unsafe.Slice(value, valueLen)), nil
}

// Field returns the string value of key from the first translation that has
// it, or ErrNotPresent.
func (vi *SystemVersionInfo) Field(key string) (string, error) {
	for _, lcp := range vi.translationIDs {
		value, err := vi.queryWithLangAndCodePage(key, lcp)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, windows.ERROR_RESOURCE_TYPE_NOT_FOUND) {
			return "", err
		}
		// Otherwise we continue looping and try the next language
	}

	return "", ErrNotPresent
}
