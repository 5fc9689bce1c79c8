// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package modbuild

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
)

// PatchFailedError wraps a failed git apply.
type PatchFailedError struct {
	Patch  string
	Output string
	Err    error
}

func (e *PatchFailedError) Error() string {
	return fmt.Sprintf("applying %s: %v: %s", e.Patch, e.Err, bytes.TrimSpace([]byte(e.Output)))
}

func (e *PatchFailedError) Unwrap() error {
	return e.Err
}

// listPatches returns the regular files in dir sorted by name. A missing dir
// yields none.
func listPatches(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var patches []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			patches = append(patches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(patches)
	return patches, nil
}

// applyPatches runs git apply for every patch in patchDir against workDir.
func applyPatches(ctx context.Context, logger hclog.Logger, workDir, patchDir string) error {
	patches, err := listPatches(patchDir)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		return nil
	}
	git, err := exec.LookPath("git")
	if err != nil {
		return fmt.Errorf("%d source patches need git: %w", len(patches), err)
	}

	for _, p := range patches {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		logger.Info("applying patch", "patch", filepath.Base(p))
		cmd := exec.CommandContext(ctx, git, "apply", "--allow-empty", abs)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return &PatchFailedError{Patch: filepath.Base(p), Output: string(out), Err: err}
		}
	}
	return nil
}
