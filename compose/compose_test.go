package compose

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otacompose/engine/internal/archive"
)

type copySigner struct{}

func (copySigner) SignWholeArchive(_ context.Context, unsignedPath, signedPath, _, _ string) error {
	data, err := os.ReadFile(unsignedPath)
	if err != nil {
		return err
	}
	return os.WriteFile(signedPath, data, 0o644)
}

type fixedPatcher struct{ patch []byte }

func (f fixedPatcher) ComputePatch(context.Context, []byte, []byte) ([]byte, error) {
	return f.patch, nil
}

const testBuildProp = `ro.build.fingerprint=acme/board/dev:4.2/JB/42:user/release-keys
ro.product.device=boarddev
ro.build.date.utc=1357000000
ro.build.id=JB
`

func writeTargetFiles(t *testing.T, path string, files map[string]string, symlinks map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
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
}

func readPackage(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(data)
	}
	return out
}

func testComposer(t *testing.T, opts ...Option) *Composer {
	t.Helper()
	base := []Option{
		WithSigner(copySigner{}),
		WithPatchComputer(fixedPatcher{patch: []byte("patch!")}),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func fullTargetFiles(t *testing.T, dir string, withImages bool) string {
	t.Helper()
	files := map[string]string{
		"SYSTEM/a/":          "",
		"SYSTEM/a/b.txt":     "content",
		"SYSTEM/build.prop":  testBuildProp,
		"META/misc_info.txt": "recovery_api_version=3\n",
		"META/filesystem_config.txt": "system/ 0 0 755\n" +
			"system/a/ 0 0 755\n" +
			"system/a/b.txt 0 0 644\n" +
			"system/build.prop 0 0 644\n",
	}
	if withImages {
		files["IMAGES/boot.img"] = "bootdata"
		files["IMAGES/fastboot.img"] = "fastbootdata"
	}
	path := filepath.Join(dir, "target.zip")
	writeTargetFiles(t, path, files, map[string]string{"SYSTEM/a/c": "b.txt"})
	return path
}

func TestComposeFull_PackageContents(t *testing.T) {
	dir := t.TempDir()
	target := fullTargetFiles(t, dir, true)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeFull(context.Background(), target, output))

	entries := readPackage(t, output)
	assert.Equal(t, "content", entries["system/a/b.txt"])
	assert.Equal(t, "bootdata", entries["boot.img"])
	assert.Equal(t, "fastbootdata", entries["fastboot.img"])

	script := entries[archive.ScriptPath]
	require.NotEmpty(t, script)
	assert.Contains(t, script, `assert_device("boarddev");`)
	assert.Contains(t, script, `make_symlinks("b.txt": "/system/a/c");`)
	assert.Equal(t, 1, strings.Count(script, `set_perm_recursive("/system", 0, 0, 0755, 0644);`))
	assert.Contains(t, script, `flash_os_image("boot");`)
	assert.Contains(t, script, `format_partition("/system");`)

	manifest := entries[archive.MetadataPath]
	assert.Contains(t, manifest, "post-build=acme/board/dev:4.2/JB/42:user/release-keys\n")
	assert.Contains(t, manifest, "pre-device=boarddev\n")
	assert.Contains(t, manifest, "post-timestamp=1357000000\n")
	assert.NotContains(t, manifest, "pre-build=")
}

// TestComposeFull_Deterministic: composing the
// same input twice yields byte-identical packages.
func TestComposeFull_Deterministic(t *testing.T) {
	dir := t.TempDir()
	target := fullTargetFiles(t, dir, true)
	out1 := filepath.Join(dir, "ota1.zip")
	out2 := filepath.Join(dir, "ota2.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeFull(context.Background(), target, out1))
	require.NoError(t, c.ComposeFull(context.Background(), target, out2))

	b1, err := os.ReadFile(out1)
	require.NoError(t, err)
	b2, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b1, b2))
}

// TestComposeFull_ProgressUnderrun: with no
// images the budget tops out at 0.6 and composition fails.
func TestComposeFull_ProgressUnderrun(t *testing.T) {
	dir := t.TempDir()
	target := fullTargetFiles(t, dir, false)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	err := c.ComposeFull(context.Background(), target, output)
	require.ErrorIs(t, err, ErrProgressUnderrun)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "no partial package on error")
}

func TestComposeFull_ProductNameMapping(t *testing.T) {
	dir := t.TempDir()
	target := fullTargetFiles(t, dir, true)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t, WithProductNameMapping(map[string]string{"boarddev": "acme_board"}))
	require.NoError(t, c.ComposeFull(context.Background(), target, output))
	entries := readPackage(t, output)
	assert.Contains(t, entries[archive.ScriptPath], `assert_compatible_product("acme_board");`)

	c = testComposer(t, WithProductNameMapping(map[string]string{"otherdev": "x"}))
	err := c.ComposeFull(context.Background(), target, output)
	require.ErrorIs(t, err, ErrInputMalformed)
}

func TestComposeFull_WipeAndNoPrereq(t *testing.T) {
	dir := t.TempDir()
	target := fullTargetFiles(t, dir, true)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t, WithWipeUserData(true), WithOmitPrereq(true))
	require.NoError(t, c.ComposeFull(context.Background(), target, output))

	script := readPackage(t, output)[archive.ScriptPath]
	assert.Contains(t, script, `format_partition("/data");`)
	assert.NotContains(t, script, "assert_older_build")
}

func TestComposeFull_RecoveryFromBoot(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"SYSTEM/etc/":        "",
		"SYSTEM/build.prop":  testBuildProp,
		"META/misc_info.txt": "recovery_api_version=3\n",
		"META/filesystem_config.txt": "system/ 0 0 755\n" +
			"system/etc/ 0 0 755\n" +
			"system/build.prop 0 0 644\n",
		"IMAGES/boot.img":     strings.Repeat("b", 64),
		"IMAGES/recovery.img": strings.Repeat("r", 2048),
	}
	target := filepath.Join(dir, "target.zip")
	writeTargetFiles(t, target, files, nil)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeFull(context.Background(), target, output))

	entries := readPackage(t, output)
	assert.Equal(t, "patch!", entries["recovery/recovery-from-boot.p"])
	assert.Contains(t, entries["recovery/etc/install-recovery.sh"], "/system/bin/update_recovery")
	assert.Contains(t, entries["recovery/etc/install-recovery.sh"], "--check-sha1 ")
	_, hasRecoveryBlob := entries["recovery.img"]
	assert.False(t, hasRecoveryBlob, "recovery ships as a patch, not a blob")

	script := entries[archive.ScriptPath]
	assert.NotContains(t, script, `flash_os_image("recovery");`)
	assert.Contains(t, script, `set_perm_recursive("/system/etc", 0, 0, 0755, 0544);`)
}

// A recovery blob too small to carry a boot header is flashed whole
// instead of being rebuilt from boot on the device.
func TestComposeFull_RecoveryPairDowngrade(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"SYSTEM/build.prop":          testBuildProp,
		"META/misc_info.txt":         "recovery_api_version=3\n",
		"META/filesystem_config.txt": "system/ 0 0 755\nsystem/build.prop 0 0 644\n",
		"IMAGES/boot.img":            strings.Repeat("b", 64),
		"IMAGES/recovery.img":        "tiny",
	}
	target := filepath.Join(dir, "target.zip")
	writeTargetFiles(t, target, files, nil)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeFull(context.Background(), target, output))

	entries := readPackage(t, output)
	assert.Equal(t, "tiny", entries["recovery.img"])
	_, hasRecoveryPatch := entries["recovery/recovery-from-boot.p"]
	assert.False(t, hasRecoveryPatch)
	assert.Contains(t, entries[archive.ScriptPath], `flash_os_image("recovery");`)
}

func incrementalPair(t *testing.T, dir string) (source, target string) {
	t.Helper()
	sourceProp := strings.Replace(testBuildProp, "/42:", "/41:", 1)
	sourceProp = strings.Replace(sourceProp, "1357000000", "1356000000", 1)

	common := map[string]string{
		"SYSTEM/bin/tool":    "tool bytes",
		"META/misc_info.txt": "recovery_api_version=3\n",
		"META/filesystem_config.txt": "system/ 0 0 755\n" +
			"system/bin/ 0 0 755\n" +
			"system/bin/tool 0 0 755\n" +
			"system/build.prop 0 0 644\n",
		"IMAGES/boot.img":     "same boot",
		"IMAGES/recovery.img": "same recovery",
	}

	sourceFiles := map[string]string{}
	targetFiles := map[string]string{}
	for k, v := range common {
		sourceFiles[k] = v
		targetFiles[k] = v
	}
	sourceFiles["SYSTEM/build.prop"] = sourceProp
	targetFiles["SYSTEM/build.prop"] = testBuildProp

	source = filepath.Join(dir, "source.zip")
	target = filepath.Join(dir, "target.zip")
	writeTargetFiles(t, source, sourceFiles, nil)
	writeTargetFiles(t, target, targetFiles, nil)
	return source, target
}

// TestComposeIncremental_DefersBuildProp: only system/build.prop
// changed, so exactly one patch is
// admitted, its application is deferred to the tail, the script's final
// primitive restores build.prop's permissions, and the unchanged
// recovery image produces no recovery-from-boot artifacts.
func TestComposeIncremental_DefersBuildProp(t *testing.T) {
	dir := t.TempDir()
	source, target := incrementalPair(t, dir)
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeIncremental(context.Background(), source, target, output))

	entries := readPackage(t, output)
	assert.Equal(t, "patch!", entries["patch/system/build.prop.p"])
	_, hasRecoveryPatch := entries["recovery/recovery-from-boot.p"]
	assert.False(t, hasRecoveryPatch)

	script := entries[archive.ScriptPath]
	require.NotEmpty(t, script)
	assert.Contains(t, script, "patch_check(\"/system/build.prop\"")
	assert.Equal(t, 1, strings.Count(script, "apply_patch("))

	lines := strings.Split(strings.TrimRight(script, "\n"), "\n")
	last := lines[len(lines)-1]
	assert.Equal(t, `set_perm("/system/build.prop", 0, 0, 0644);`, last)

	// The verify phase runs before any mutation.
	verifyAt := strings.Index(script, "patch_check(")
	applyAt := strings.Index(script, "apply_patch(")
	assert.Less(t, verifyAt, applyAt)

	manifest := entries[archive.MetadataPath]
	assert.Contains(t, manifest, "pre-build=acme/board/dev:4.2/JB/41:user/release-keys\n")
	assert.Contains(t, manifest, "post-build=acme/board/dev:4.2/JB/42:user/release-keys\n")
	assert.Contains(t, manifest, "fromgb=false\n")
	assert.Contains(t, manifest, "post-timestamp=1357000000\n")
}

func TestComposeIncremental_RemovedFilesAndSymlinks(t *testing.T) {
	dir := t.TempDir()

	common := map[string]string{
		"SYSTEM/build.prop":  testBuildProp,
		"META/misc_info.txt": "recovery_api_version=3\n",
		"META/filesystem_config.txt": "system/ 0 0 755\n" +
			"system/bin/ 0 0 755\n" +
			"system/build.prop 0 0 644\n",
	}
	sourceFiles := map[string]string{"SYSTEM/bin/gone": "old"}
	targetFiles := map[string]string{}
	for k, v := range common {
		sourceFiles[k] = v
		targetFiles[k] = v
	}

	source := filepath.Join(dir, "source.zip")
	target := filepath.Join(dir, "target.zip")
	writeTargetFiles(t, source, sourceFiles, map[string]string{
		"SYSTEM/bin/keep": "tool",
		"SYSTEM/bin/drop": "tool",
	})
	writeTargetFiles(t, target, targetFiles, map[string]string{
		"SYSTEM/bin/keep": "tool",
		"SYSTEM/bin/new":  "tool",
	})
	output := filepath.Join(dir, "ota.zip")

	c := testComposer(t)
	require.NoError(t, c.ComposeIncremental(context.Background(), source, target, output))

	script := readPackage(t, output)[archive.ScriptPath]
	assert.Contains(t, script, `delete_files("/system/bin/gone");`)
	assert.Contains(t, script, `delete_files("/system/bin/drop");`)
	// The surviving identical symlink is not recreated.
	assert.Contains(t, script, `make_symlinks("tool": "/system/bin/new");`)
	assert.NotContains(t, script, `"/system/bin/keep"`)
}
