// Package fsconfig wraps the external fs_config helper binary used to
// infer per-path ownership and permission metadata when a target-files
// archive carries no META/filesystem_config.txt. The helper
// reads candidate paths on stdin, one per line (directories suffixed
// with "/"), and writes back the same line format annotated with the
// resolved uid, gid, and octal mode.
package fsconfig

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/otacompose/engine/internal/metadatatree"
)

// ExecResolver invokes an external fs_config binary as a subprocess.
type ExecResolver struct {
	// Path to the fs_config binary. Defaults to "fs_config" on PATH.
	Path string
}

// NewExecResolver returns a Resolver that shells out to path, or to
// "fs_config" on PATH if path is empty.
func NewExecResolver(path string) *ExecResolver {
	if path == "" {
		path = "fs_config"
	}
	return &ExecResolver{Path: path}
}

// Resolve implements metadatatree.Resolver.
func (r *ExecResolver) Resolve(paths []metadatatree.PathQuery) ([]metadatatree.Record, error) {
	return r.ResolveContext(context.Background(), paths)
}

// ResolveContext is Resolve with caller-supplied cancellation.
func (r *ExecResolver) ResolveContext(ctx context.Context, paths []metadatatree.PathQuery) ([]metadatatree.Record, error) {
	var stdin bytes.Buffer
	for _, p := range paths {
		line := p.Path
		if p.IsDir && !strings.HasSuffix(line, "/") {
			line += "/"
		}
		stdin.WriteString(line)
		stdin.WriteByte('\n')
	}

	cmd := exec.CommandContext(ctx, r.Path) //nolint:gosec // operator-configured helper path, analogous to an external signing tool
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fsconfig: running %s: %w: %s", r.Path, err, stderr.String())
	}

	return parseResponse(&stdout)
}

func parseResponse(r *bytes.Buffer) ([]metadatatree.Record, error) {
	scanner := bufio.NewScanner(r)
	var out []metadatatree.Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("fsconfig: response line %d malformed: %q", lineNo, line)
		}
		uid, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("fsconfig: response line %d bad uid: %w", lineNo, err)
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("fsconfig: response line %d bad gid: %w", lineNo, err)
		}
		mode, err := strconv.ParseUint(fields[3], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("fsconfig: response line %d bad mode: %w", lineNo, err)
		}
		out = append(out, metadatatree.Record{
			Path: strings.TrimSuffix(fields[0], "/"),
			UID:  uint32(uid),
			GID:  uint32(gid),
			Mode: uint32(mode),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fsconfig: reading response: %w", err)
	}
	return out, nil
}
