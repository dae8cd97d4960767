package installer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript_ShowProgressAdvancesCurProgress(t *testing.T) {
	s := New()
	s.ShowProgress(0.5, 0)
	s.ShowProgress(0.1, 0)
	assert.InDelta(t, 0.6, s.CurProgress(), 1e-9)
}

func TestScript_CheckFullOTAProgress(t *testing.T) {
	s := New()
	s.ShowProgress(0.5, 0)
	s.ShowProgress(0.1, 0)
	err := s.CheckFullOTAProgress()
	require.Error(t, err)
	var underrun *ErrProgressUnderrun
	require.ErrorAs(t, err, &underrun)

	s.ShowProgress(0.3, 0)
	require.NoError(t, s.CheckFullOTAProgress())
}

func TestScript_RenderIsDeterministic(t *testing.T) {
	build := func() string {
		s := New()
		s.AssertDevice("tenderloin")
		s.SetPermRecursive("/system", 0, 0, 0o755, 0o644)
		s.MakeSymlinks([]SymlinkArg{{Target: "toolbox", Link: "/system/bin/ls"}})
		var buf strings.Builder
		require.NoError(t, s.Render(&buf))
		return buf.String()
	}
	assert.Equal(t, build(), build())
}

func TestScript_AppendScriptPreservesOrder(t *testing.T) {
	sub := New()
	sub.SetPerm("/system/a", 0, 0, 0o644)
	sub.SetPerm("/system/b", 0, 0, 0o644)

	main := New()
	main.Mount("/system")
	main.AppendScript(sub)
	main.UnmountAll()

	require.Len(t, main.Ops(), 4)
	assert.Equal(t, KindMount, main.Ops()[0].Kind)
	assert.Equal(t, KindSetPerm, main.Ops()[1].Kind)
	assert.Equal(t, KindSetPerm, main.Ops()[2].Kind)
	assert.Equal(t, KindUnmountAll, main.Ops()[3].Kind)
}

func TestDispatchFlash_DedicatedPrimitives(t *testing.T) {
	s := New()
	require.NoError(t, DispatchFlash(s, "ifwi", ""))
	assert.Equal(t, KindFlashIFWI, s.Ops()[0].Kind)
}

func TestDispatchFlash_PartitionTableOffset(t *testing.T) {
	table := "-l boot -b 2048 -t ext4\n-l recovery -b 4096 -t ext4\n"
	s := New()
	require.NoError(t, DispatchFlash(s, "recovery", table))
	op := s.Ops()[0]
	assert.Equal(t, KindFlashImageAtOffset, op.Kind)
	assert.Equal(t, int64(4096*512), op.Offset)
}

func TestDispatchFlash_NoPartitionTableUsesFlashOSImage(t *testing.T) {
	s := New()
	require.NoError(t, DispatchFlash(s, "boot", ""))
	assert.Equal(t, KindFlashOSImage, s.Ops()[0].Kind)
}
