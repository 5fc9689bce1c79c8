// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"unsafe"

	"github.com/kristal-tools/modpack/versioninfo"
	"golang.org/x/sys/windows"
)

const (
	// This constant is only valid when used with imagehlp
	_CERT_SECTION_TYPE_ANY WIN_CERT_TYPE = 0x00FF
)

var (
	modimagehlp                    = windows.NewLazySystemDLL("imagehlp.dll")
	procImageEnumerateCertificates = modimagehlp.NewProc("ImageEnumerateCertificates")
	procImageGetCertificateData    = modimagehlp.NewProc("ImageGetCertificateData")
)

func imageEnumerateCertificates(fileHandle windows.Handle, typeFilter WIN_CERT_TYPE, certificateCount *uint32) error {
	r1, _, e1 := procImageEnumerateCertificates.Call(uintptr(fileHandle), uintptr(typeFilter), uintptr(unsafe.Pointer(certificateCount)), 0, 0)
	if int32(r1) == 0 {
		return e1
	}
	return nil
}

func imageGetCertificateData(fileHandle windows.Handle, certificateIndex uint32, certificate *byte, requiredLength *uint32) error {
	r1, _, e1 := procImageGetCertificateData.Call(uintptr(fileHandle), uintptr(certificateIndex), uintptr(unsafe.Pointer(certificate)), uintptr(unsafe.Pointer(requiredLength)))
	if int32(r1) == 0 {
		return e1
	}
	return nil
}

func testAuthenticodeAgainstSystemAPI(t *testing.T, filename string, certs []AuthenticodeCert) {
	syscerts, err := getCertDataViaSystem(filename)
	if err != nil {
		t.Fatalf("getCertDataViaSystem(%q) error %v", filename, err)
	}

	if len(certs) != len(syscerts) {
		t.Errorf("len mismatch")
	}

	var testCerts [2]*AuthenticodeCert
	for i, slc := range [][]AuthenticodeCert{certs, syscerts} {
		for j, cert := range slc {
			if cert.Revision() != WIN_CERT_REVISION_2_0 || cert.Type() != WIN_CERT_TYPE_PKCS_SIGNED_DATA {
				continue
			}
			testCerts[i] = &slc[j]
			break
		}
	}

	if !reflect.DeepEqual(testCerts[0], testCerts[1]) {
		t.Errorf("DeepEqual failed")
	}
}

func getCertDataViaSystem(filename string) (result []AuthenticodeCert, err error) {
	h, err := windows.Open(filename, windows.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)

	var certCount uint32
	if err := imageEnumerateCertificates(h, _CERT_SECTION_TYPE_ANY, &certCount); err != nil {
		return nil, err
	}
	if certCount == 0 {
		return nil, nil
	}

	result = make([]AuthenticodeCert, 0, certCount)
	for i := uint32(0); i < certCount; i++ {
		reqd := uint32(0)
		if err := imageGetCertificateData(h, i, nil, &reqd); err != windows.ERROR_INSUFFICIENT_BUFFER {
			return nil, err
		}

		buf := make([]byte, reqd)
		if err := imageGetCertificateData(h, i, unsafe.SliceData(buf), &reqd); err != nil {
			return nil, err
		}

		var entry AuthenticodeCert
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &entry.header); err != nil {
			return nil, err
		}

		entry.data = buf[sizeWIN_CERTIFICATE_HEADER:]
		result = append(result, entry)
	}

	return result, nil
}

func testVersionAgainstSystemAPI(t *testing.T, filename string, b *versioninfo.Block) {
	vi, err := ReadSystemVersionInfo(filename)
	if err != nil {
		if errors.Is(err, ErrNotPresent) {
			t.Fatalf("system reports no version info in %q, but it was decoded", filename)
		}
		t.Fatalf("ReadSystemVersionInfo failed: %v", err)
	}

	if got, want := vi.FileVersion(), b.Fixed.FileVersion(); got != want {
		t.Errorf("FileVersion: system %v, decoded %v", got, want)
	}
	if got, want := vi.ProductVersion(), b.Fixed.ProductVersion(); got != want {
		t.Errorf("ProductVersion: system %v, decoded %v", got, want)
	}

	for _, st := range b.Tables {
		v, ok := st.Get(versioninfo.KeyCompanyName)
		if !ok {
			continue
		}
		companyName, err := vi.Field(versioninfo.KeyCompanyName)
		if err != nil {
			t.Errorf("CompanyName failed: %v", err)
		} else if companyName != v {
			t.Errorf("CompanyName: system %q, decoded %q", companyName, v)
		}
		break
	}
}

// TestRepackedVersionViaSystem checks that the loader's version API reads
// back a version resource written by ReplaceVersionResource and Repack.
func TestRepackedVersionViaSystem(t *testing.T) {
	data, err := os.ReadFile(getTestBinaryFileName())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	img := mustParse(t, data)
	tree, err := ParseResources(img)
	if err != nil {
		t.Fatalf("ParseResources: %v", err)
	}
	loc, err := FindVersionResource(tree)
	if err != nil {
		t.Fatalf("FindVersionResource: %v", err)
	}

	b := versioninfo.NewBlock()
	if loc != nil {
		if b, err = versioninfo.Decode(loc.Data); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}
	ps := versioninfo.NewPatchSet().
		Add(versioninfo.KeyCompanyName, versioninfo.Set("Example Company")).
		Add(versioninfo.KeyFileVersion, versioninfo.Set("1.2.3.4"))
	if err := versioninfo.Apply(b, ps); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	enc, err := versioninfo.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ReplaceVersionResource(tree, loc, enc)

	out, _, err := Repack(img, tree)
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	fname := filepath.Join(t.TempDir(), "patched.dll")
	if err := os.WriteFile(fname, out.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	vi, err := ReadSystemVersionInfo(fname)
	if err != nil {
		t.Fatalf("ReadSystemVersionInfo: %v", err)
	}
	if got, want := vi.FileVersion(), (versioninfo.Version{Major: 1, Minor: 2, Patch: 3, Build: 4}); got != want {
		t.Errorf("FileVersion got %v, want %v", got, want)
	}
	if got, err := vi.Field(versioninfo.KeyCompanyName); err != nil || got != "Example Company" {
		t.Errorf("CompanyName got (%q, %v), want %q", got, err, "Example Company")
	}
}
