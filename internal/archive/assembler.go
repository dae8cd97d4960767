// Package archive assembles the output OTA package: a
// deflated ZIP written to a temporary file alongside the destination,
// signed whole-file by an external capability, and renamed into place
// only after signing succeeds. No partial package is ever left at the
// destination path; every error path removes the temporary file.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
)

// MetadataPath is the archive location of the package manifest.
const MetadataPath = "META-INF/com/android/metadata"

// ScriptPath is the archive location of the installer script.
const ScriptPath = "META-INF/com/google/android/updater-script"

// Assembler accumulates entries into the pre-signature package.
// Archive writes are not thread-safe; the composer owns the assembler
// exclusively and mutates it from a single goroutine.
type Assembler struct {
	finalPath string
	tmpPath   string
	f         *os.File
	zw        *zip.Writer
	closed    bool
}

// New opens an Assembler writing toward finalPath. Bytes accumulate in
// a temporary file in the same directory until Finalize signs them and
// renames the signed package into place.
func New(finalPath string) (*Assembler, error) {
	dir := filepath.Dir(finalPath)
	f, err := os.CreateTemp(dir, filepath.Base(finalPath)+".unsigned-*")
	if err != nil {
		return nil, fmt.Errorf("archive: create temp package: %w", err)
	}
	return &Assembler{
		finalPath: finalPath,
		tmpPath:   f.Name(),
		f:         f,
		zw:        zip.NewWriter(f),
	}, nil
}

// WriteFile adds a deflated entry named name with the given content.
func (a *Assembler) WriteFile(name string, data []byte) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("archive: create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("archive: write entry %s: %w", name, err)
	}
	return nil
}

// WriteManifest writes the metadata manifest entry: "key=value\n" lines
// in sorted key order.
func (a *Assembler) WriteManifest(manifest map[string]string) error {
	keys := make([]string, 0, len(manifest))
	for k := range manifest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, manifest[k]...)
		buf = append(buf, '\n')
	}
	return a.WriteFile(MetadataPath, buf)
}

// Signer is the whole-archive signing capability: it reads the
// unsigned package at unsignedPath and writes the signed package to
// signedPath, appending a signature block covering the full file bytes.
type Signer interface {
	SignWholeArchive(ctx context.Context, unsignedPath, signedPath, keyPath, passphrase string) error
}

// Finalize closes the archive, invokes the signing capability, and
// leaves the signed package at the destination path. The temporary
// unsigned file is removed on every path, success included.
func (a *Assembler) Finalize(ctx context.Context, signer Signer, keyPath, passphrase string) error {
	defer a.Discard()

	if err := a.closeFile(); err != nil {
		return err
	}
	signedPath := a.tmpPath + ".signed"
	defer os.Remove(signedPath) //nolint:errcheck // already renamed away on success
	if err := signer.SignWholeArchive(ctx, a.tmpPath, signedPath, keyPath, passphrase); err != nil {
		return fmt.Errorf("archive: sign package: %w", err)
	}
	if err := os.Rename(signedPath, a.finalPath); err != nil {
		return fmt.Errorf("archive: move signed package into place: %w", err)
	}
	return nil
}

func (a *Assembler) closeFile() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.zw.Close(); err != nil {
		return fmt.Errorf("archive: close package: %w", err)
	}
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	return nil
}

// Discard releases the temporary file without producing output. Safe to
// call more than once and after Finalize; composers defer it so that no
// partial package survives an error exit.
func (a *Assembler) Discard() {
	if !a.closed {
		a.zw.Close() //nolint:errcheck // discarding
		a.f.Close()  //nolint:errcheck // discarding
		a.closed = true
	}
	if a.tmpPath != "" {
		os.Remove(a.tmpPath) //nolint:errcheck // best-effort cleanup
		a.tmpPath = ""
	}
}

// TempPath exposes the unsigned temporary file's location, used by
// tests to inspect the pre-signature archive.
func (a *Assembler) TempPath() string { return a.tmpPath }

// CloseUnsigned closes the archive without signing, leaving the
// unsigned package at the temporary path. Tests use this to read back
// the deterministic pre-signature bytes.
func (a *Assembler) CloseUnsigned() error { return a.closeFile() }
