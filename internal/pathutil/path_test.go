package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemRelative(t *testing.T) {
	assert.Equal(t, "bin/sh", SystemRelative("SYSTEM/bin/sh"))
	assert.Equal(t, "", SystemRelative("SYSTEM/"))
	assert.Equal(t, "", SystemRelative("SYSTEM"))
}

func TestPathRewrites(t *testing.T) {
	assert.Equal(t, "system/bin/sh", ToOutputPath("bin/sh"))
	assert.Equal(t, "system", ToOutputPath(""))
	assert.Equal(t, "/system/bin/sh", ToDevicePath("bin/sh"))
}

func TestParent(t *testing.T) {
	parent, ok := Parent("a/b/c")
	assert.True(t, ok)
	assert.Equal(t, "a/b", parent)

	parent, ok = Parent("a")
	assert.True(t, ok)
	assert.Equal(t, "", parent)

	_, ok = Parent("")
	assert.False(t, ok)
}

func TestIsUnderLib(t *testing.T) {
	assert.True(t, IsUnderLib("lib"))
	assert.True(t, IsUnderLib("lib/libfoo.so"))
	assert.False(t, IsUnderLib("library/x"))
	assert.False(t, IsUnderLib("bin/lib"))
}
