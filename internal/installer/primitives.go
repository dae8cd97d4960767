// Package installer builds the device-side installer script: an
// append-only, ordered sequence of typed primitives rendered to
// deterministic text. The concrete encoding is opaque to the rest of
// the engine — only this package renders primitives — but for a given
// sequence of Script method calls it must be byte-for-byte reproducible.
package installer

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind identifies one installer DSL primitive.
type Kind string

const (
	KindAssertDevice            Kind = "assert_device"
	KindAssertCompatibleProduct Kind = "assert_compatible_product"
	KindAssertOlderBuild        Kind = "assert_older_build"
	KindAssertSomeFingerprint   Kind = "assert_some_fingerprint"
	KindMount                   Kind = "mount"
	KindUnmount                 Kind = "unmount"
	KindUnmountAll              Kind = "unmount_all"
	KindFormatPartition         Kind = "format_partition"
	KindShowProgress            Kind = "show_progress"
	KindSetProgress             Kind = "set_progress"
	KindPrint                   Kind = "print"
	KindComment                 Kind = "comment"
	KindPackageExtract          Kind = "package_extract"
	KindUnpackPackageDir        Kind = "unpack_package_dir"
	KindDeleteFiles             Kind = "delete_files"
	KindDeleteTmpImage          Kind = "delete_tmp_image"
	KindExtractImage            Kind = "extract_image"
	KindPatchCheck              Kind = "patch_check"
	KindCacheFreeSpaceCheck     Kind = "cache_free_space_check"
	KindApplyPatch              Kind = "apply_patch"
	KindMakeSymlinks            Kind = "make_symlinks"
	KindSetPerm                 Kind = "set_perm"
	KindSetPermRecursive        Kind = "set_perm_recursive"
	KindFlashOSImage            Kind = "flash_os_image"
	KindFlashImageAtOffset      Kind = "flash_image_at_offset"
	KindFlashESPUpdate          Kind = "flash_esp_update"
	KindFlashIFWI               Kind = "flash_ifwi"
	KindFlashCapsule            Kind = "flash_capsule"
	KindFlashULPMC              Kind = "flash_ulpmc"
	KindFlashPartitionScheme    Kind = "flash_partition_scheme"
	KindFlashBOMToken           Kind = "flash_bom_token"
	KindInvalidateOS            Kind = "invalidate_os"
	KindRestoreOS               Kind = "restore_os"
	KindStartUpdate             Kind = "start_update"
	KindFinalizeUpdate          Kind = "finalize_update"
	KindAppendExtra             Kind = "append_extra"
	KindAppendScript            Kind = "append_script"
	// KindRetouch stays in the DSL vocabulary but no code path emits it
	// by default.
	KindRetouch Kind = "retouch"
)

// SymlinkArg is one (target, link) pair for make_symlinks.
type SymlinkArg struct {
	Target string
	Link   string
}

// Op is one installer DSL primitive and its arguments. Only the fields
// relevant to Kind are set; Render dispatches on Kind.
type Op struct {
	Kind Kind

	Path      string
	Paths     []string
	Text      string
	Partition string
	ImageName string

	UID, GID     uint32
	Mode         uint32
	DMode, FMode uint32

	Fraction float64
	Duration float64
	Progress float64

	TargetSHA1 string
	SourceSHA1 string
	TargetSize int64
	PatchPath  string
	Offset     int64
	Bytes      int64

	Symlinks []SymlinkArg
	Sub      *Script
}

// Render writes the deterministic textual encoding of op to w.
func (op Op) Render(w io.Writer) error {
	line, err := op.line()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, line)
	return err
}

func (op Op) line() (string, error) {
	switch op.Kind {
	case KindAssertDevice:
		return call("assert_device", q(op.Text)), nil
	case KindAssertCompatibleProduct:
		return call("assert_compatible_product", q(op.Text)), nil
	case KindAssertOlderBuild:
		return call("assert_older_build", op.Text), nil
	case KindAssertSomeFingerprint:
		return call("assert_some_fingerprint", q(op.SourceSHA1), q(op.TargetSHA1)), nil
	case KindMount:
		return call("mount", q(op.Path)), nil
	case KindUnmount:
		return call("unmount", q(op.Path)), nil
	case KindUnmountAll:
		return call("unmount_all"), nil
	case KindFormatPartition:
		return call("format_partition", q(op.Path)), nil
	case KindShowProgress:
		return call("show_progress", fnum(op.Fraction), fnum(op.Duration)), nil
	case KindSetProgress:
		return call("set_progress", fnum(op.Progress)), nil
	case KindPrint:
		return call("print", q(op.Text)), nil
	case KindComment:
		return "# " + op.Text + "\n", nil
	case KindPackageExtract:
		return call("package_extract", q(op.Path)), nil
	case KindUnpackPackageDir:
		return call("unpack_package_dir", q(op.Partition), q(op.Path)), nil
	case KindDeleteFiles:
		return call("delete_files", qlist(op.Paths)), nil
	case KindDeleteTmpImage:
		return call("delete_tmp_image", q(op.ImageName)), nil
	case KindExtractImage:
		return call("extract_image", q(op.ImageName)), nil
	case KindPatchCheck:
		return call("patch_check", q(op.Path), q(op.TargetSHA1), q(op.SourceSHA1)), nil
	case KindCacheFreeSpaceCheck:
		return call("cache_free_space_check", strconv.FormatInt(op.Bytes, 10)), nil
	case KindApplyPatch:
		return call("apply_patch", q(op.Path), q("-"), strconv.FormatInt(op.TargetSize, 10),
			q(op.TargetSHA1), q(op.SourceSHA1), q(op.PatchPath)), nil
	case KindMakeSymlinks:
		return call("make_symlinks", symlinkList(op.Symlinks)), nil
	case KindSetPerm:
		return call("set_perm", q(op.Path), u(op.UID), u(op.GID), octal(op.Mode)), nil
	case KindSetPermRecursive:
		return call("set_perm_recursive", q(op.Path), u(op.UID), u(op.GID), octal(op.DMode), octal(op.FMode)), nil
	case KindFlashOSImage:
		if op.Partition != "" {
			return call("flash_os_image", q(op.ImageName), q(op.Partition)), nil
		}
		return call("flash_os_image", q(op.ImageName)), nil
	case KindFlashImageAtOffset:
		return call("flash_image_at_offset", q(op.ImageName), strconv.FormatInt(op.Offset, 10)), nil
	case KindFlashESPUpdate:
		return call("flash_esp_update"), nil
	case KindFlashIFWI:
		return call("flash_ifwi"), nil
	case KindFlashCapsule:
		return call("flash_capsule"), nil
	case KindFlashULPMC:
		return call("flash_ulpmc"), nil
	case KindFlashPartitionScheme:
		return call("flash_partition_scheme"), nil
	case KindFlashBOMToken:
		return call("flash_bom_token"), nil
	case KindInvalidateOS:
		return call("invalidate_os", q(op.ImageName)), nil
	case KindRestoreOS:
		return call("restore_os", q(op.ImageName)), nil
	case KindStartUpdate:
		return call("start_update"), nil
	case KindFinalizeUpdate:
		return call("finalize_update"), nil
	case KindAppendExtra:
		return op.Text + "\n", nil
	case KindRetouch:
		return call("retouch", q(op.Path), q(op.TargetSHA1)), nil
	default:
		return "", fmt.Errorf("installer: unknown primitive kind %q", op.Kind)
	}
}

func call(name string, args ...string) string {
	return name + "(" + strings.Join(args, ", ") + ");\n"
}

func q(s string) string { return `"` + s + `"` }

func u(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func octal(v uint32) string { return "0" + strconv.FormatUint(uint64(v), 8) }

func fnum(f float64) string { return strconv.FormatFloat(f, 'f', 6, 64) }

func qlist(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = q(p)
	}
	return strings.Join(quoted, ", ")
}

func symlinkList(symlinks []SymlinkArg) string {
	parts := make([]string, len(symlinks))
	for i, s := range symlinks {
		parts[i] = q(s.Target) + ": " + q(s.Link)
	}
	return strings.Join(parts, ", ")
}
