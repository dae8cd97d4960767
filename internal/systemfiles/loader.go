// Package systemfiles enumerates the SYSTEM/ subtree of a target-files
// archive: distinguishing regular files, directories, and
// symlinks; copying regular files into the output archive with optional
// substitutions; registering every non-symlink path in a metadata tree;
// and returning the symlink and lib/ retouch lists the composer needs.
package systemfiles

import (
	"fmt"
	"sort"

	"github.com/otacompose/engine/internal/fileblob"
	"github.com/otacompose/engine/internal/metadatatree"
	"github.com/otacompose/engine/internal/pathutil"
	"github.com/otacompose/engine/internal/targetfiles"
)

// Symlink is a (target, device link path) pair recorded for a SYSTEM/
// entry whose external attributes mark it as a POSIX symlink.
type Symlink struct {
	Target string // the string literally stored in the archive entry
	Link   string // device-absolute path, e.g. "/system/a/c"
}

// RetouchEntry records a regular file under a lib/ directory, keeping
// the ASLR retouch primitive's inputs available even though emission is
// gated off by default.
type RetouchEntry struct {
	DevicePath string
	SHA1       string
}

// OutputWriter is the minimal archive-writing capability the loader
// needs, satisfied by internal/archive.Assembler.
type OutputWriter interface {
	WriteFile(name string, data []byte) error
}

// Substitution maps a system-relative path ("a/b.txt", no "system/"
// prefix) to replacement bytes, or to a nil slice meaning "omit this
// file entirely from the output archive."
type Substitution map[string][]byte

// Result is everything the loader hands back to the composer.
type Result struct {
	Symlinks []Symlink
	Retouch  []RetouchEntry

	// Files holds every regular file's content keyed by output path
	// ("system/..."), the input the difference planner diffs over in
	// incremental mode.
	Files map[string]*fileblob.Blob
}

// Load iterates every entry under SYSTEM/ in src, registers
// directories/files into tree, writes regular files (after
// substitution) into out, and returns the symlink and retouch lists.
//
// out may be nil, in which case no bytes are written (used when the
// loader is only populating the metadata tree, e.g. to read a source
// archive's tree in incremental mode without re-copying its files).
func Load(src *targetfiles.Archive, tree *metadatatree.Tree, out OutputWriter, subs Substitution) (Result, error) {
	entries := src.Entries("SYSTEM/")
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	res := Result{Files: map[string]*fileblob.Blob{}}
	for _, e := range entries {
		relPath := pathutil.SystemRelative(e.Name)
		if relPath == "" {
			tree.EnsureNode("system", true)
			continue
		}
		relPath = trimTrailingSlash(relPath)

		if e.IsSymlink {
			data, err := src.ReadAll(e)
			if err != nil {
				return res, fmt.Errorf("systemfiles: read symlink %s: %w", e.Name, err)
			}
			res.Symlinks = append(res.Symlinks, Symlink{
				Target: string(data),
				Link:   pathutil.ToDevicePath(relPath),
			})
			continue
		}

		isDir := e.IsDir
		treePath := "system/" + relPath
		tree.EnsureNode(treePath, isDir)

		if isDir {
			continue
		}

		data, err := resolveData(src, e, relPath, subs)
		if err != nil {
			return res, err
		}
		if data == nil {
			continue // substitution explicitly omitted this file
		}

		res.Files[pathutil.ToOutputPath(relPath)] = fileblob.New(pathutil.ToOutputPath(relPath), data)

		if out != nil {
			if err := out.WriteFile(pathutil.ToOutputPath(relPath), data); err != nil {
				return res, fmt.Errorf("systemfiles: write %s: %w", treePath, err)
			}
		}

		if pathutil.IsUnderLib(relPath) {
			res.Retouch = append(res.Retouch, RetouchEntry{
				DevicePath: pathutil.ToDevicePath(relPath),
				SHA1:       fileblob.SHA1Hex(data),
			})
		}
	}

	sort.Slice(res.Symlinks, func(i, j int) bool {
		if res.Symlinks[i].Target != res.Symlinks[j].Target {
			return res.Symlinks[i].Target < res.Symlinks[j].Target
		}
		return res.Symlinks[i].Link < res.Symlinks[j].Link
	})

	return res, nil
}

// resolveData applies the substitution map, if any, then falls back to
// reading the archive entry's bytes. A substitution entry present but
// nil means "omit"; resolveData returns (nil, nil) in that case.
func resolveData(src *targetfiles.Archive, e targetfiles.Entry, relPath string, subs Substitution) ([]byte, error) {
	if subs != nil {
		if v, has := subs[relPath]; has {
			if v == nil {
				return nil, nil
			}
			return v, nil
		}
	}
	data, err := src.ReadAll(e)
	if err != nil {
		return nil, fmt.Errorf("systemfiles: read %s: %w", e.Name, err)
	}
	return data, nil
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
