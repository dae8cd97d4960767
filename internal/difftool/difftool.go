// Package difftool provides the pluggable binary-diff capability: an
// external collaborator this module never implements itself. The default PatchComputer shells out
// to a bsdiff-family binary; callers needing a different patch format
// (imgdiff, a vendor tool) supply their own PatchComputer.
package difftool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// PatchComputer computes a binary patch transforming source into
// target. Implementations must be safe to call concurrently from the
// diff planner's worker pool.
type PatchComputer interface {
	ComputePatch(ctx context.Context, target, source []byte) ([]byte, error)
}

// ExecPatchComputer invokes an external bsdiff-style binary with the
// calling convention "<bin> <source-file> <target-file> <patch-file>".
type ExecPatchComputer struct {
	// Path to the diff binary. Defaults to "bsdiff" on PATH.
	Path string
}

// NewExecPatchComputer returns a PatchComputer shelling out to path, or
// "bsdiff" on PATH if path is empty.
func NewExecPatchComputer(path string) *ExecPatchComputer {
	if path == "" {
		path = "bsdiff"
	}
	return &ExecPatchComputer{Path: path}
}

// ComputePatch implements PatchComputer.
func (c *ExecPatchComputer) ComputePatch(ctx context.Context, target, source []byte) ([]byte, error) {
	sourceFile, err := writeTemp("ota-diff-src-", source)
	if err != nil {
		return nil, err
	}
	defer os.Remove(sourceFile)

	targetFile, err := writeTemp("ota-diff-tgt-", target)
	if err != nil {
		return nil, err
	}
	defer os.Remove(targetFile)

	patchFile, err := tempPath("ota-diff-patch-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(patchFile)

	cmd := exec.CommandContext(ctx, c.Path, sourceFile, targetFile, patchFile) //nolint:gosec // operator-configured diff tool path
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("difftool: %s failed: %w: %s", c.Path, err, out)
	}

	patch, err := os.ReadFile(patchFile) //nolint:gosec // path is our own temp file
	if err != nil {
		return nil, fmt.Errorf("difftool: read patch output: %w", err)
	}
	return patch, nil
}

func writeTemp(prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("difftool: create temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("difftool: write temp file: %w", err)
	}
	return f.Name(), nil
}

func tempPath(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("difftool: create temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return name, nil
}
