// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package pe

import (
	"testing"

	"github.com/kristal-tools/modpack/versioninfo"
)

func testAuthenticodeAgainstSystemAPI(t *testing.T, filename string, certs []AuthenticodeCert) {
	t.Skipf("This test requires Windows")
}

func testVersionAgainstSystemAPI(t *testing.T, filename string, b *versioninfo.Block) {
	t.Skipf("This test requires Windows")
}
