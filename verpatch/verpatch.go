// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package verpatch rewrites the VERSIONINFO resource of a Windows executable.
// A patch either produces a complete, valid output file or leaves the output
// path untouched.
package verpatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-hclog"
	"github.com/kristal-tools/modpack/pe"
	"github.com/kristal-tools/modpack/versioninfo"
)

// Kind classifies patch failures.
type Kind int

const (
	KindOther Kind = iota
	KindInvalidVersion
	KindAmbiguousVersionResource
	KindMalformedVersionResource
	KindSectionRelocationFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidVersion:
		return "InvalidVersion"
	case KindAmbiguousVersionResource:
		return "AmbiguousVersionResource"
	case KindMalformedVersionResource:
		return "MalformedVersionResource"
	case KindSectionRelocationFailed:
		return "SectionRelocationFailed"
	default:
		return "Other"
	}
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, versioninfo.ErrInvalidVersion):
		return KindInvalidVersion
	case errors.Is(err, pe.ErrAmbiguousVersionResource):
		return KindAmbiguousVersionResource
	case errors.Is(err, versioninfo.ErrMalformedVersionResource), errors.Is(err, pe.ErrMalformedResourceDirectory):
		return KindMalformedVersionResource
	case errors.Is(err, pe.ErrSectionRelocationFailed):
		return KindSectionRelocationFailed
	default:
		return KindOther
	}
}

type options struct {
	logger hclog.Logger
}

// Option configures a patch.
type Option func(*options)

// WithLogger sets the logger used to report progress. The default discards
// everything.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Inspect decodes the version resource of exe. found is false, and b is an
// empty block, when exe has none.
func Inspect(exe []byte) (b *versioninfo.Block, found bool, err error) {
	img, err := pe.Parse(exe)
	if err != nil {
		return nil, false, err
	}
	tree, err := pe.ParseResources(img)
	if err != nil {
		return nil, false, err
	}
	loc, err := pe.FindVersionResource(tree)
	if err != nil {
		return nil, false, err
	}
	if loc == nil {
		return versioninfo.NewBlock(), false, nil
	}
	b, err = versioninfo.Decode(loc.Data)
	if err != nil {
		return nil, false, fmt.Errorf("version resource %s/0x%04X: %w", loc.Name, loc.Lang, err)
	}
	return b, true, nil
}

// PatchBytes applies ps to the version resource of exe and returns the
// rewritten executable. exe is not modified.
func PatchBytes(exe []byte, ps *versioninfo.PatchSet, opts ...Option) ([]byte, error) {
	o := newOptions(opts)
	logger := o.logger
	if ps == nil {
		ps = versioninfo.NewPatchSet()
	}

	img, err := pe.Parse(exe)
	if err != nil {
		return nil, err
	}
	if img.IsSigned() {
		logger.Warn("executable is signed; the signature will no longer match")
	}

	tree, err := pe.ParseResources(img)
	if err != nil {
		return nil, err
	}
	loc, err := pe.FindVersionResource(tree)
	if err != nil {
		return nil, err
	}

	b := versioninfo.NewBlock()
	if loc == nil {
		logger.Debug("no version resource, creating one")
	} else {
		logger.Debug("found version resource", "name", loc.Name, "lang", fmt.Sprintf("0x%04X", loc.Lang), "size", len(loc.Data))
		if b, err = versioninfo.Decode(loc.Data); err != nil {
			return nil, fmt.Errorf("version resource %s/0x%04X: %w", loc.Name, loc.Lang, err)
		}
	}

	if err := versioninfo.Apply(b, ps); err != nil {
		return nil, err
	}
	for _, k := range ps.Keys() {
		p, _ := ps.Get(k)
		logger.Trace("applied", "key", k, "patch", p)
	}

	data, err := versioninfo.Encode(b)
	if err != nil {
		return nil, err
	}
	pe.ReplaceVersionResource(tree, loc, data)

	out, layout, err := pe.Repack(img, tree)
	if err != nil {
		return nil, err
	}
	dde, _ := out.ResourceDirectory()
	logger.Debug("repacked resources", "layout", layout, "rva", fmt.Sprintf("0x%X", dde.VirtualAddress), "size", dde.Size)

	return out.Bytes(), nil
}

// PatchFile applies ps to the executable at inPath and writes the result to
// outPath. inPath and outPath may name the same file.
func PatchFile(inPath, outPath string, ps *versioninfo.PatchSet, opts ...Option) error {
	o := newOptions(opts)
	logger := o.logger.With("input", inPath)
	if ps == nil {
		ps = versioninfo.NewPatchSet()
	}

	out, perm, err := patchMapped(inPath, ps, logger)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(outPath, out, perm); err != nil {
		return err
	}
	logger.Info("patched version resource", "output", outPath, "keys", ps.Keys())
	return nil
}

// patchMapped patches the file at path through a read-only mapping. The
// mapping is released before returning so path can be replaced.
func patchMapped(path string, ps *versioninfo.PatchSet, logger hclog.Logger) ([]byte, os.FileMode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if fi.Size() == 0 {
		return nil, 0, fmt.Errorf("%s: %w", path, pe.ErrInvalidBinary)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, err
	}
	defer m.Unmap()

	out, err := PatchBytes(m, ps, WithLogger(logger))
	return out, fi.Mode().Perm(), err
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place once it is synced.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
