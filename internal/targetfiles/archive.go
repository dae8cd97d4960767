// Package targetfiles is the read-only accessor over a target-files
// archive: the ZIP snapshot of one device build that the
// composition engine consumes but never mutates. The archive format
// itself — beyond the handful of recognized entry prefixes below — is
// out of scope for this module.
package targetfiles

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// symlinkExternalAttrUpperWord is the external-attribute upper word a
// ZIP entry carries when it represents a POSIX symlink (S_IFLNK | 0777
// shifted into the upper 16 bits of ExternalAttrs).
const symlinkExternalAttrUpperWord = 0o120777

// Archive is a read-only view over one target-files ZIP.
type Archive struct {
	zr    *zip.Reader
	close func() error

	byName map[string]*zip.File
}

// Open opens the target-files archive at path.
func Open(path string) (*Archive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("targetfiles: open %s: %w", path, err)
	}
	a := newArchive(&rc.Reader)
	a.close = rc.Close
	return a, nil
}

// NewFromReaderAt builds an Archive over an already-open ReaderAt (e.g.
// an in-memory buffer in tests), with no Close-owned resource.
func NewFromReaderAt(r io.ReaderAt, size int64) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("targetfiles: read archive: %w", err)
	}
	return newArchive(zr), nil
}

func newArchive(zr *zip.Reader) *Archive {
	a := &Archive{zr: zr, byName: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		a.byName[f.Name] = f
	}
	return a
}

// Close releases any OS resources owned by the archive. Safe to call on
// an archive built with NewFromReaderAt (no-op).
func (a *Archive) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Entry describes one archive entry relevant to the composition engine.
type Entry struct {
	Name       string
	IsDir      bool
	IsSymlink  bool
	UncompSize int64
	zipFile    *zip.File
}

// Entries returns every entry under prefix (e.g. "SYSTEM/"), in the
// archive's natural order.
func (a *Archive) Entries(prefix string) []Entry {
	var out []Entry
	for _, f := range a.zr.File {
		if prefix != "" && !hasPrefix(f.Name, prefix) {
			continue
		}
		out = append(out, entryFromZipFile(f))
	}
	return out
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

func entryFromZipFile(f *zip.File) Entry {
	upper := f.ExternalAttrs >> 16
	return Entry{
		Name:       f.Name,
		IsDir:      len(f.Name) > 0 && f.Name[len(f.Name)-1] == '/',
		IsSymlink:  upper == symlinkExternalAttrUpperWord,
		UncompSize: int64(f.UncompressedSize64),
		zipFile:    f,
	}
}

// ReadAll returns the decompressed content of an entry.
func (a *Archive) ReadAll(e Entry) ([]byte, error) {
	rc, err := e.zipFile.Open()
	if err != nil {
		return nil, fmt.Errorf("targetfiles: open %s: %w", e.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("targetfiles: read %s: %w", e.Name, err)
	}
	return data, nil
}

// Has reports whether name exists verbatim in the archive.
func (a *Archive) Has(name string) bool {
	_, ok := a.byName[name]
	return ok
}

// ReadFile reads an entry by exact archive path, e.g.
// "META/filesystem_config.txt". Returns ok=false if absent.
func (a *Archive) ReadFile(name string) (data []byte, ok bool, err error) {
	f, present := a.byName[name]
	if !present {
		return nil, false, nil
	}
	data, err = a.ReadAll(entryFromZipFile(f))
	if err != nil {
		return nil, true, err
	}
	return data, true, nil
}

// BootableImageTree returns every entry under a named bootable-image
// subtree, e.g. "BOOT/" or "RECOVERY/".
func (a *Archive) BootableImageTree(subtree string) []Entry {
	return a.Entries(subtree + "/")
}
