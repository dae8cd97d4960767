package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/otacompose/engine/internal/archive"
	"github.com/otacompose/engine/internal/diffplan"
	"github.com/otacompose/engine/internal/fileblob"
	"github.com/otacompose/engine/internal/imageplan"
	"github.com/otacompose/engine/internal/installer"
	"github.com/otacompose/engine/internal/metadatatree"
	"github.com/otacompose/engine/internal/systemfiles"
	"github.com/otacompose/engine/internal/targetfiles"
)

// buildPropPath is the one file whose patch application is deferred to
// the very end of an incremental script, so a mid-install failure
// leaves the device still identifying as the source build.
const buildPropPath = "system/build.prop"

// knownRecoveryAPIVersions are the device-side installer interpreter
// revisions this emitter produces compatible scripts for.
var knownRecoveryAPIVersions = map[int]bool{2: true, 3: true}

// ComposeIncremental builds an incremental OTA package transforming an
// installed source build into the target build: binary patches for
// changed files, verbatim copies for new or large-delta files, delete
// commands for removed files, and patched or reflashed bootable images.
func (c *Composer) ComposeIncremental(ctx context.Context, sourcePath, targetPath, outputPath string) error {
	src, err := targetfiles.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tgt, err := targetfiles.Open(targetPath)
	if err != nil {
		return err
	}
	defer tgt.Close()

	asm, err := archive.New(outputPath)
	if err != nil {
		return err
	}
	defer asm.Discard()

	return c.composeIncremental(ctx, src, tgt, asm)
}

func (c *Composer) composeIncremental(ctx context.Context, src, tgt *targetfiles.Archive, asm *archive.Assembler) error {
	srcProps, err := src.ReadBuildProps()
	if err != nil {
		return fmt.Errorf("%w: source: %v", ErrInputMalformed, err)
	}
	tgtProps, err := tgt.ReadBuildProps()
	if err != nil {
		return fmt.Errorf("%w: target: %v", ErrInputMalformed, err)
	}
	srcMisc, err := readMiscInfo(src)
	if err != nil {
		return err
	}
	tgtMisc, err := readMiscInfo(tgt)
	if err != nil {
		return err
	}
	if v := srcMisc.RecoveryAPIVersion(); !knownRecoveryAPIVersions[v] {
		c.log.Warn("source has unknown recovery API version", "version", v)
	}

	// Two independent trees: the source scan must not alias the target
	// scan's metadata.
	tgtTree := metadatatree.New()
	srcTree := metadatatree.New()

	tgtFiles, err := systemfiles.Load(tgt, tgtTree, nil, nil)
	if err != nil {
		return err
	}
	srcFiles, err := systemfiles.Load(src, srcTree, nil, nil)
	if err != nil {
		return err
	}

	diffCfg := diffplan.NewConfig(
		diffplan.WithPatchThreshold(c.patchThreshold),
		diffplan.WithRequireVerbatim(c.requireVerbatim),
		diffplan.WithProhibitVerbatim(c.prohibitVerbatim),
		diffplan.WithWorkers(c.workerThreads),
		diffplan.WithPatchComputer(c.patcher),
	)
	diff, err := diffplan.Plan(ctx, tgtFiles.Files, srcFiles.Files, diffCfg)
	if err != nil {
		var conflict *diffplan.ErrConfigConflict
		if errors.As(err, &conflict) {
			return fmt.Errorf("%w: %v", ErrConfigConflict, err)
		}
		return err
	}

	// Verbatim files ship as direct entries, admitted patches under
	// patch/<path>.p.
	var havePatches, haveVerbatim bool
	var deferredBuildProp *diffplan.Decision
	for i := range diff.Decisions {
		d := &diff.Decisions[i]
		switch d.Kind {
		case diffplan.Verbatim:
			haveVerbatim = true
			if err := asm.WriteFile(d.Path, d.Target.Data()); err != nil {
				return err
			}
		case diffplan.Patched:
			havePatches = true
			if d.Path == buildPropPath {
				deferredBuildProp = d
			}
			if err := asm.WriteFile("patch/"+d.Path+".p", d.PatchData); err != nil {
				return err
			}
		}
	}

	fromGB := srcProps.BuildID() == gingerbreadBuildID
	icfg := imagePlanConfig(tgtMisc, fromGB)
	roster := imageplan.Roster(icfg)
	srcImages, err := loadImages(src, roster)
	if err != nil {
		return err
	}
	tgtImages, err := loadImages(tgt, roster)
	if err != nil {
		return err
	}
	imagePlan := imageplan.Plan(icfg, srcImages, tgtImages)

	partitionTable, err := c.readPartitionTable(tgt)
	if err != nil {
		return err
	}

	largestSourceSize := diff.LargestSourceSize
	if imagePlan.LargestSourceSize > largestSourceSize {
		largestSourceSize = imagePlan.LargestSourceSize
	}

	// Image patches are computed up front so archive admission stays
	// single-threaded and script emission never blocks on the diff
	// capability.
	imagePatches, err := c.computeImagePatches(ctx, imagePlan)
	if err != nil {
		return err
	}

	script := installer.New()

	srcFP, err := srcProps.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: source: %v", ErrInputMalformed, err)
	}
	tgtFP, err := tgtProps.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: target: %v", ErrInputMalformed, err)
	}
	device, err := tgtProps.Device()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	srcDevice, err := srcProps.Device()
	if err != nil {
		return fmt.Errorf("%w: source: %v", ErrInputMalformed, err)
	}

	script.AssertSomeFingerprint(srcFP, tgtFP)
	script.AssertDevice(device)
	if err := c.hooks.PreInstall(script); err != nil {
		return fmt.Errorf("compose: pre-install hook: %w", err)
	}

	script.Mount("/system")

	// Verify phase: 0.1 of the budget, advanced proportionally to the
	// source bytes being checked.
	script.ShowProgress(0.1, 0)
	c.emitVerifyPhase(script, diff, imagePlan)
	if havePatches || len(imagePatches) > 0 {
		script.CacheFreeSpaceCheck(largestSourceSize)
	}

	// Mutate phase: 0.8 of the budget.
	script.ShowProgress(0.8, 0)
	if err := c.emitIncrementalImages(asm, script, imagePlan, imagePatches, partitionTable); err != nil {
		return err
	}

	if removed := removedFiles(tgtFiles.Files, srcFiles.Files); len(removed) > 0 {
		script.Print("Removing unneeded files...")
		script.DeleteFiles(removed)
	}

	script.Print("Patching system files...")
	for i := range diff.Decisions {
		d := &diff.Decisions[i]
		if d.Kind != diffplan.Patched || d.Path == buildPropPath {
			continue
		}
		script.ApplyPatch("/"+d.Path, d.Target.Size(), d.Target.SHA1(), d.Source.SHA1(), "patch/"+d.Path+".p")
	}
	if haveVerbatim {
		script.Print("Unpacking new files...")
		script.UnpackPackageDir("system", "/system")
	}

	for _, ip := range imagePatches {
		script.ApplyPatch("/tmp/"+ip.name+".img", ip.target.Size(), ip.target.SHA1(), ip.source.SHA1(), "patch/"+ip.name+".img.p")
		if err := installer.DispatchFlash(script, ip.name, partitionTable); err != nil {
			return err
		}
		script.DeleteTmpImage(ip.name)
	}

	for _, d := range imagePlan.Decisions {
		if d.Name != "recovery" {
			continue
		}
		if d.Kind == imageplan.Skip {
			if d.Target != nil {
				c.log.Warn("recovery image unchanged, not patching")
			}
			break
		}
		boot := tgtImages["boot"]
		if boot == nil || !imageplan.PlausibleBootImage(boot.Data()) || !imageplan.PlausibleBootImage(d.Target.Data()) {
			c.log.Warn("boot/recovery pair unusable for recovery-from-boot, full-flashing recovery")
			if err := c.checkSize("recovery", d.Target); err != nil {
				return err
			}
			if err := asm.WriteFile(imageplan.FileName("recovery"), d.Target.Data()); err != nil {
				return err
			}
			script.ExtractImage("recovery")
			if err := installer.DispatchFlash(script, "recovery", partitionTable); err != nil {
				return err
			}
			script.DeleteTmpImage("recovery")
			break
		}
		if err := c.writeRecoveryFromBoot(ctx, asm, tgtTree, boot, d.Target); err != nil {
			return err
		}
		script.UnpackPackageDir("recovery", "/system")
		break
	}

	// Final 0.1: symlink reconciliation, then permissions, extras, and
	// the deferred build.prop patch.
	script.ShowProgress(0.1, 10)
	c.emitSymlinkReconciliation(script, srcFiles.Symlinks, tgtFiles.Symlinks)
	if err := c.emitPermissionPlan(tgt, tgtTree, script); err != nil {
		return err
	}
	script.AppendExtra(c.extraScript)
	if err := c.hooks.PostInstall(script); err != nil {
		return fmt.Errorf("compose: post-install hook: %w", err)
	}
	if deferredBuildProp != nil {
		d := deferredBuildProp
		script.ApplyPatch("/"+d.Path, d.Target.Size(), d.Target.SHA1(), d.Source.SHA1(), "patch/"+d.Path+".p")
	}
	script.SetPerm("/system/build.prop", 0, 0, 0o644)

	ts, err := tgtProps.TimestampUTC()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	manifest := map[string]string{
		"pre-build":      srcFP,
		"post-build":     tgtFP,
		"pre-device":     srcDevice,
		"post-timestamp": ts,
		"fromgb":         fmt.Sprintf("%t", fromGB),
	}
	return c.finish(ctx, asm, script, manifest)
}

// imagePatch is one computed incremental image patch awaiting emission.
type imagePatch struct {
	name           string
	source, target *fileblob.Blob
	patch          []byte
}

func (c *Composer) computeImagePatches(ctx context.Context, plan imageplan.Result) ([]imagePatch, error) {
	var out []imagePatch
	for _, d := range plan.Decisions {
		if d.Kind != imageplan.IncrementalPatch {
			continue
		}
		patch, err := c.patcher.ComputePatch(ctx, d.Target.Data(), d.Source.Data())
		if err != nil {
			return nil, fmt.Errorf("compose: compute patch for image %s: %w", d.Name, err)
		}
		out = append(out, imagePatch{name: d.Name, source: d.Source, target: d.Target, patch: patch})
	}
	return out, nil
}

// emitVerifyPhase emits patch_check for every patched file and image
// before any mutation, advancing the verify budget proportionally to
// the total source bytes under verification.
func (c *Composer) emitVerifyPhase(script *installer.Script, diff diffplan.Result, plan imageplan.Result) {
	var total int64
	for i := range diff.Decisions {
		if diff.Decisions[i].Kind == diffplan.Patched {
			total += diff.Decisions[i].Source.Size()
		}
	}
	for _, d := range plan.Decisions {
		if d.Kind == imageplan.IncrementalPatch {
			total += d.Source.Size()
		}
	}
	if total == 0 {
		return
	}

	var soFar int64
	for i := range diff.Decisions {
		d := &diff.Decisions[i]
		if d.Kind != diffplan.Patched {
			continue
		}
		script.PatchCheck("/"+d.Path, d.Target.SHA1(), d.Source.SHA1())
		soFar += d.Source.Size()
		script.SetProgress(float64(soFar) / float64(total))
	}
	for _, d := range plan.Decisions {
		if d.Kind != imageplan.IncrementalPatch {
			continue
		}
		script.ExtractImage(d.Name)
		script.PatchCheck("/tmp/"+d.Name+".img", d.Target.SHA1(), d.Source.SHA1())
		script.CacheFreeSpaceCheck(d.Target.Size())
		soFar += d.Source.Size()
		script.SetProgress(float64(soFar) / float64(total))
	}
}

// emitIncrementalImages applies the full-flash images of the mutate
// phase: write the blob, extract, flash, clean up.
func (c *Composer) emitIncrementalImages(asm *archive.Assembler, script *installer.Script, plan imageplan.Result, patches []imagePatch, partitionTable string) error {
	for _, d := range plan.Decisions {
		switch d.Kind {
		case imageplan.Skip:
			if d.Target != nil && d.Name != "recovery" {
				c.log.Warn("image unchanged, skipping", "image", d.Name)
			}
		case imageplan.FullFlash:
			if d.Downgraded {
				c.log.Warn("image pair has no plausible boot header, full-flashing", "image", d.Name)
			}
			if err := c.checkSize(d.Name, d.Target); err != nil {
				return err
			}
			if err := asm.WriteFile(imageplan.FileName(d.Name), d.Target.Data()); err != nil {
				return err
			}
			script.ExtractImage(d.Name)
			if err := installer.DispatchFlash(script, d.Name, partitionTable); err != nil {
				return err
			}
			script.DeleteTmpImage(d.Name)
		}
	}
	for _, ip := range patches {
		if err := c.checkSize(ip.name, ip.target); err != nil {
			return err
		}
		if err := asm.WriteFile("patch/"+ip.name+".img.p", ip.patch); err != nil {
			return err
		}
	}
	return nil
}

// emitSymlinkReconciliation deletes source symlinks absent from the
// target and creates target symlinks that are new or point elsewhere.
// A symlink identical in source and target is left alone.
func (c *Composer) emitSymlinkReconciliation(script *installer.Script, source, target []systemfiles.Symlink) {
	targetByLink := make(map[string]string, len(target))
	for _, l := range target {
		targetByLink[l.Link] = l.Target
	}
	sourcePairs := make(map[systemfiles.Symlink]bool, len(source))
	var toDelete []string
	for _, l := range source {
		sourcePairs[l] = true
		if _, stillLinked := targetByLink[l.Link]; !stillLinked {
			toDelete = append(toDelete, l.Link)
		}
	}
	if len(toDelete) > 0 {
		sort.Strings(toDelete)
		script.DeleteFiles(toDelete)
	}

	var toCreate []installer.SymlinkArg
	for _, l := range target {
		if sourcePairs[l] {
			continue
		}
		toCreate = append(toCreate, installer.SymlinkArg{Target: l.Target, Link: l.Link})
	}
	script.MakeSymlinks(toCreate)
}

// removedFiles lists, as sorted device paths, every source file with no
// counterpart in the target build.
func removedFiles(targets, sources map[string]*fileblob.Blob) []string {
	var out []string
	for path := range sources {
		if _, kept := targets[path]; !kept {
			out = append(out, "/"+path)
		}
	}
	sort.Strings(out)
	return out
}
