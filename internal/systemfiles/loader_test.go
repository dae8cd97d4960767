package systemfiles

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otacompose/engine/internal/metadatatree"
	"github.com/otacompose/engine/internal/targetfiles"
)

type memWriter struct {
	entries map[string][]byte
}

func (w *memWriter) WriteFile(name string, data []byte) error {
	if w.entries == nil {
		w.entries = map[string][]byte{}
	}
	w.entries[name] = append([]byte(nil), data...)
	return nil
}

func testArchive(t *testing.T, files map[string]string, symlinks map[string]string) *targetfiles.Archive {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}
	for link, target := range symlinks {
		hdr := &zip.FileHeader{Name: link, Method: zip.Deflate}
		hdr.ExternalAttrs = 0o120777 << 16
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(target))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	a, err := targetfiles.NewFromReaderAt(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return a
}

func TestLoad_CopiesFilesAndCollectsSymlinks(t *testing.T) {
	a := testArchive(t,
		map[string]string{
			"SYSTEM/a/":      "",
			"SYSTEM/a/b.txt": "content",
		},
		map[string]string{"SYSTEM/a/c": "b.txt"},
	)

	tree := metadatatree.New()
	out := &memWriter{}
	res, err := Load(a, tree, out, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("content"), out.entries["system/a/b.txt"])
	require.Len(t, res.Symlinks, 1)
	assert.Equal(t, Symlink{Target: "b.txt", Link: "/system/a/c"}, res.Symlinks[0])

	// Symlinks never materialize in the tree.
	_, ok := tree.Lookup("system/a/c")
	assert.False(t, ok)
	n, ok := tree.Lookup("system/a/b.txt")
	require.True(t, ok)
	assert.False(t, n.IsDir)

	blob, ok := res.Files["system/a/b.txt"]
	require.True(t, ok)
	assert.Equal(t, "content", string(blob.Data()))
}

func TestLoad_SymlinksSortedByTargetThenLink(t *testing.T) {
	a := testArchive(t, nil, map[string]string{
		"SYSTEM/bin/zz": "aaa",
		"SYSTEM/bin/aa": "zzz",
		"SYSTEM/bin/mm": "aaa",
	})

	res, err := Load(a, metadatatree.New(), nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Symlinks, 3)
	assert.Equal(t, "/system/bin/mm", res.Symlinks[0].Link)
	assert.Equal(t, "/system/bin/zz", res.Symlinks[1].Link)
	assert.Equal(t, "/system/bin/aa", res.Symlinks[2].Link)
}

func TestLoad_SubstitutionReplacesAndOmits(t *testing.T) {
	a := testArchive(t, map[string]string{
		"SYSTEM/etc/keep.txt":    "original",
		"SYSTEM/etc/replace.txt": "original",
		"SYSTEM/etc/drop.txt":    "original",
	}, nil)

	out := &memWriter{}
	subs := Substitution{
		"etc/replace.txt": []byte("replaced"),
		"etc/drop.txt":    nil,
	}
	res, err := Load(a, metadatatree.New(), out, subs)
	require.NoError(t, err)

	assert.Equal(t, []byte("original"), out.entries["system/etc/keep.txt"])
	assert.Equal(t, []byte("replaced"), out.entries["system/etc/replace.txt"])
	_, dropped := out.entries["system/etc/drop.txt"]
	assert.False(t, dropped)
	_, inFiles := res.Files["system/etc/drop.txt"]
	assert.False(t, inFiles)
}

func TestLoad_RecordsLibRetouchEntries(t *testing.T) {
	a := testArchive(t, map[string]string{
		"SYSTEM/lib/libfoo.so": "elf bytes",
		"SYSTEM/bin/tool":      "other",
	}, nil)

	res, err := Load(a, metadatatree.New(), nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Retouch, 1)
	assert.Equal(t, "/system/lib/libfoo.so", res.Retouch[0].DevicePath)
	assert.NotEmpty(t, res.Retouch[0].SHA1)
}
