// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package modbuild

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tc-hib/winres"
)

const (
	runtimeExe        = "love.exe"
	runtimeConsoleExe = "lovec.exe"
)

// replaceIcon swaps the main icon of exe for one generated from a PNG
// image. The first icon group keeps its identifier and language; an exe
// without icons gets group #1.
func replaceIcon(exe []byte, iconPNG io.Reader) ([]byte, error) {
	img, err := png.Decode(iconPNG)
	if err != nil {
		return nil, fmt.Errorf("decoding icon: %w", err)
	}
	icon, err := winres.NewIconFromResizedImage(img, nil)
	if err != nil {
		return nil, fmt.Errorf("resizing icon: %w", err)
	}

	rs, err := winres.LoadFromEXE(bytes.NewReader(exe))
	if err != nil && !errors.Is(err, winres.ErrNoResources) {
		return nil, fmt.Errorf("loading resources: %w", err)
	}

	var (
		groupID   winres.Identifier = winres.ID(1)
		groupLang uint16            = winres.LCIDDefault
	)
	rs.WalkType(winres.RT_GROUP_ICON, func(resID winres.Identifier, langID uint16, _ []byte) bool {
		groupID, groupLang = resID, langID
		return false
	})
	if err := rs.SetIconTranslation(groupID, groupLang, icon); err != nil {
		return nil, fmt.Errorf("setting icon: %w", err)
	}

	var out bytes.Buffer
	if err := rs.WriteToEXE(&out, bytes.NewReader(exe), winres.WithAuthenticode(winres.IgnoreSignature)); err != nil {
		return nil, fmt.Errorf("writing resources: %w", err)
	}
	return out.Bytes(), nil
}

// fuse writes exe followed by the game archive at love to dst, which is how
// LÖVE finds a bundled game.
func fuse(dst, exe, love string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	for _, src := range []string{exe, love} {
		in, err := os.Open(src)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// stageRuntime copies the runtime's libraries and licence into dir, leaving
// out the stock executables.
func stageRuntime(runtimeDir, dir string) error {
	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if !e.Type().IsRegular() || name == runtimeExe || name == runtimeConsoleExe {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(filepath.Join(runtimeDir, e.Name()), filepath.Join(dir, e.Name()), info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}
