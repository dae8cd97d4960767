package installer

import (
	"fmt"
	"io"
)

// Script is the append-only, ordered sequence of installer primitives
// emitted for one composition, together with its cumulative progress
// accumulator.
type Script struct {
	ops         []Op
	curProgress float64
}

// New returns an empty Script.
func New() *Script { return &Script{} }

// CurProgress returns the cumulative progress accumulated so far: the
// sum of every ShowProgress fraction, which is not clamped to [0, 1].
func (s *Script) CurProgress() float64 { return s.curProgress }

// Ops returns the accumulated primitives, in emission order.
func (s *Script) Ops() []Op { return s.ops }

func (s *Script) append(op Op) { s.ops = append(s.ops, op) }

// Render writes every primitive to w in order.
func (s *Script) Render(w io.Writer) error {
	for _, op := range s.ops {
		if err := op.Render(w); err != nil {
			return err
		}
	}
	return nil
}

// AppendScript merges a temporary sub-script's primitives into s,
// preserving order. It does
// not adjust s's progress accumulator; callers advance progress with
// ShowProgress separately, since the budget a sub-script's work
// consumes is a property of when it's spliced in, not of the sub-script
// itself.
func (s *Script) AppendScript(sub *Script) {
	s.ops = append(s.ops, sub.ops...)
}

// --- primitive-emitting methods ---

func (s *Script) AssertDevice(name string) { s.append(Op{Kind: KindAssertDevice, Text: name}) }

func (s *Script) AssertCompatibleProduct(name string) {
	s.append(Op{Kind: KindAssertCompatibleProduct, Text: name})
}

func (s *Script) AssertOlderBuild(timestamp string) {
	s.append(Op{Kind: KindAssertOlderBuild, Text: timestamp})
}

func (s *Script) AssertSomeFingerprint(sourceFP, targetFP string) {
	s.append(Op{Kind: KindAssertSomeFingerprint, SourceSHA1: sourceFP, TargetSHA1: targetFP})
}

func (s *Script) Mount(path string)   { s.append(Op{Kind: KindMount, Path: path}) }
func (s *Script) Unmount(path string) { s.append(Op{Kind: KindUnmount, Path: path}) }
func (s *Script) UnmountAll()         { s.append(Op{Kind: KindUnmountAll}) }

func (s *Script) FormatPartition(path string) { s.append(Op{Kind: KindFormatPartition, Path: path}) }

// ShowProgress emits show_progress(fraction, duration) and advances
// cur_progress by fraction, the sole mechanism by which the progress
// budget moves.
func (s *Script) ShowProgress(fraction, duration float64) {
	s.append(Op{Kind: KindShowProgress, Fraction: fraction, Duration: duration})
	s.curProgress += fraction
}

func (s *Script) SetProgress(value float64) { s.append(Op{Kind: KindSetProgress, Progress: value}) }

func (s *Script) Print(text string)   { s.append(Op{Kind: KindPrint, Text: text}) }
func (s *Script) Comment(text string) { s.append(Op{Kind: KindComment, Text: text}) }

func (s *Script) PackageExtract(name string) { s.append(Op{Kind: KindPackageExtract, Path: name}) }

func (s *Script) UnpackPackageDir(src, dst string) {
	s.append(Op{Kind: KindUnpackPackageDir, Partition: src, Path: dst})
}

func (s *Script) DeleteFiles(paths []string) { s.append(Op{Kind: KindDeleteFiles, Paths: paths}) }

func (s *Script) DeleteTmpImage(name string) { s.append(Op{Kind: KindDeleteTmpImage, ImageName: name}) }

func (s *Script) ExtractImage(name string) { s.append(Op{Kind: KindExtractImage, ImageName: name}) }

func (s *Script) PatchCheck(path, targetSHA1, sourceSHA1 string) {
	s.append(Op{Kind: KindPatchCheck, Path: path, TargetSHA1: targetSHA1, SourceSHA1: sourceSHA1})
}

func (s *Script) CacheFreeSpaceCheck(bytes int64) {
	s.append(Op{Kind: KindCacheFreeSpaceCheck, Bytes: bytes})
}

func (s *Script) ApplyPatch(path string, targetSize int64, targetSHA1, sourceSHA1, patchPath string) {
	s.append(Op{
		Kind: KindApplyPatch, Path: path, TargetSize: targetSize,
		TargetSHA1: targetSHA1, SourceSHA1: sourceSHA1, PatchPath: patchPath,
	})
}

func (s *Script) MakeSymlinks(symlinks []SymlinkArg) {
	if len(symlinks) == 0 {
		return
	}
	s.append(Op{Kind: KindMakeSymlinks, Symlinks: symlinks})
}

// SetPerm and SetPermRecursive implement metadatatree.PermissionEmitter,
// so the metadata tree's emission traversal can target a Script
// directly with no import-time dependency from metadatatree to
// installer.
func (s *Script) SetPerm(path string, uid, gid, mode uint32) {
	s.append(Op{Kind: KindSetPerm, Path: path, UID: uid, GID: gid, Mode: mode})
}

func (s *Script) SetPermRecursive(path string, uid, gid, dmode, fmode uint32) {
	s.append(Op{Kind: KindSetPermRecursive, Path: path, UID: uid, GID: gid, DMode: dmode, FMode: fmode})
}

func (s *Script) FlashOSImage(name string) { s.append(Op{Kind: KindFlashOSImage, ImageName: name}) }

func (s *Script) FlashOSImageToPartition(name, partition string) {
	s.append(Op{Kind: KindFlashOSImage, ImageName: name, Partition: partition})
}

func (s *Script) FlashImageAtOffset(name string, offset int64) {
	s.append(Op{Kind: KindFlashImageAtOffset, ImageName: name, Offset: offset})
}

func (s *Script) FlashESPUpdate()        { s.append(Op{Kind: KindFlashESPUpdate}) }
func (s *Script) FlashIFWI()             { s.append(Op{Kind: KindFlashIFWI}) }
func (s *Script) FlashCapsule()          { s.append(Op{Kind: KindFlashCapsule}) }
func (s *Script) FlashULPMC()            { s.append(Op{Kind: KindFlashULPMC}) }
func (s *Script) FlashPartitionScheme()  { s.append(Op{Kind: KindFlashPartitionScheme}) }
func (s *Script) FlashBOMToken()         { s.append(Op{Kind: KindFlashBOMToken}) }

func (s *Script) InvalidateOS(name string) { s.append(Op{Kind: KindInvalidateOS, ImageName: name}) }
func (s *Script) RestoreOS(name string)    { s.append(Op{Kind: KindRestoreOS, ImageName: name}) }

func (s *Script) StartUpdate()    { s.append(Op{Kind: KindStartUpdate}) }
func (s *Script) FinalizeUpdate() { s.append(Op{Kind: KindFinalizeUpdate}) }

func (s *Script) AppendExtra(text string) {
	if text == "" {
		return
	}
	s.append(Op{Kind: KindAppendExtra, Text: text})
}

// Retouch stays in the vocabulary but is only reachable when a
// caller explicitly opts in; compose.WithEmitRetouch gates it.
func (s *Script) Retouch(path, sha1 string) {
	s.append(Op{Kind: KindRetouch, Path: path, TargetSHA1: sha1})
}

// ErrProgressUnderrun is returned when the post-emission check fails:
// cur_progress ended below 0.9 on a full OTA.
type ErrProgressUnderrun struct{ CurProgress float64 }

func (e *ErrProgressUnderrun) Error() string {
	return fmt.Sprintf("installer: progress underrun: cur_progress=%.3f < 0.9", e.CurProgress)
}

// CheckFullOTAProgress is the full-OTA post-emission progress check.
func (s *Script) CheckFullOTAProgress() error {
	// Summed fractions such as 0.5+0.1+0.3 land a rounding step below
	// 0.9, so the comparison allows for that float error.
	if s.curProgress < 0.9-1e-9 {
		return &ErrProgressUnderrun{CurProgress: s.curProgress}
	}
	return nil
}
