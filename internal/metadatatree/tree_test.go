package metadatatree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	recursive []string
	perm      []string
}

func (f *fakeEmitter) SetPerm(path string, uid, gid, mode uint32) {
	f.perm = append(f.perm, path)
}

func (f *fakeEmitter) SetPermRecursive(path string, uid, gid, dmode, fmode uint32) {
	f.recursive = append(f.recursive, path)
}

func TestEnsureNode_ChainsToRoot(t *testing.T) {
	tree := New()
	tree.EnsureNode("system/a/b.txt", false)

	require.NoError(t, tree.Validate())

	n, ok := tree.Lookup("system/a/b.txt")
	require.True(t, ok)
	assert.False(t, n.IsDir)

	parent, ok := tree.Lookup("system/a")
	require.True(t, ok)
	assert.True(t, parent.IsDir)
	assert.Same(t, parent, n.Parent)
}

func TestResolve_SetsHardcodedNodes(t *testing.T) {
	tree := New()
	tree.EnsureNode("system/bin/sh", false)
	tree.EnsureNode("system/recovery-from-boot.p", false)
	tree.Resolve([]Record{
		{Path: "system/", UID: 0, GID: 0, Mode: 0o755},
		{Path: "system/bin/", UID: 0, GID: 2000, Mode: 0o755},
		{Path: "system/bin/sh", UID: 0, GID: 2000, Mode: 0o755},
	})

	n, ok := tree.Lookup("system/recovery-from-boot.p")
	require.True(t, ok)
	assert.True(t, n.HasMeta())
	assert.Equal(t, Meta{UID: 0, GID: 0, Mode: 0o644}, n.Meta)

	sh, ok := tree.Lookup("system/bin/sh")
	require.True(t, ok)
	assert.Equal(t, Meta{UID: 0, GID: 2000, Mode: 0o755}, sh.Meta)
}

func TestParseFilesystemConfig_Malformed(t *testing.T) {
	_, err := ParseFilesystemConfig(strings.NewReader("system/bin/sh 0 2000\n"))
	require.Error(t, err)
}

// TestEmit_SingleFileRecursiveOnce: one regular file owned 0/0/0644
// should produce exactly one
// set_perm_recursive on /system.
func TestEmit_SingleFileRecursiveOnce(t *testing.T) {
	tree := New()
	tree.EnsureNode("system/a/b.txt", false)
	tree.Resolve([]Record{
		{Path: "system/", UID: 0, GID: 0, Mode: 0o755},
		{Path: "system/a/", UID: 0, GID: 0, Mode: 0o755},
		{Path: "system/a/b.txt", UID: 0, GID: 0, Mode: 0o644},
	})
	tree.Compact()

	emitter := &fakeEmitter{}
	tree.Emit(emitter)

	require.Len(t, emitter.recursive, 1)
	assert.Equal(t, "/system", emitter.recursive[0])
	assert.Empty(t, emitter.perm)
}

func TestCompact_EmptyDirectoryDefaultsOwnMode(t *testing.T) {
	tree := New()
	tree.EnsureNode("system/empty", true)
	tree.Resolve([]Record{
		{Path: "system/", UID: 0, GID: 0, Mode: 0o755},
		{Path: "system/empty/", UID: 0, GID: 0, Mode: 0o755},
	})
	tree.Compact()

	n, _ := tree.Lookup("system/empty")
	best, ok := n.BestSubtree()
	require.True(t, ok)
	assert.Equal(t, uint32(0), best.UID)
	assert.Equal(t, uint32(0), best.GID)
	assert.Equal(t, uint32(0o755), best.DMode)
}
