package compose

import (
	"context"
	"fmt"

	"github.com/otacompose/engine/internal/archive"
	"github.com/otacompose/engine/internal/fileblob"
	"github.com/otacompose/engine/internal/imageplan"
	"github.com/otacompose/engine/internal/installer"
	"github.com/otacompose/engine/internal/metadatatree"
	"github.com/otacompose/engine/internal/systemfiles"
	"github.com/otacompose/engine/internal/targetfiles"
)

// ComposeFull builds a full OTA package from one target-files archive:
// the device wipes /system and reinstalls it from the package contents,
// then reflashes every bootable image the archive carries.
func (c *Composer) ComposeFull(ctx context.Context, targetPath, outputPath string) error {
	tf, err := targetfiles.Open(targetPath)
	if err != nil {
		return err
	}
	defer tf.Close()

	asm, err := archive.New(outputPath)
	if err != nil {
		return err
	}
	defer asm.Discard()

	return c.composeFull(ctx, tf, asm)
}

func (c *Composer) composeFull(ctx context.Context, tf *targetfiles.Archive, asm *archive.Assembler) error {
	props, err := tf.ReadBuildProps()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	misc, err := readMiscInfo(tf)
	if err != nil {
		return err
	}

	tree := metadatatree.New()
	loaded, err := systemfiles.Load(tf, tree, asm, nil)
	if err != nil {
		return err
	}

	icfg := imagePlanConfig(misc, false)
	targets, err := loadImages(tf, imageplan.Roster(icfg))
	if err != nil {
		return err
	}
	plan := imageplan.Plan(icfg, nil, targets)

	partitionTable, err := c.readPartitionTable(tf)
	if err != nil {
		return err
	}

	script := installer.New()

	// 1. Device asserts.
	device, err := props.Device()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	script.AssertDevice(device)
	if len(c.productNameMapping) > 0 {
		product, ok := c.productNameMapping[device]
		if !ok {
			return fmt.Errorf("%w: no product_name_mapping entry for device %q", ErrInputMalformed, device)
		}
		script.AssertCompatibleProduct(product)
	}
	if !c.omitPrereq {
		ts, err := props.TimestampUTC()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInputMalformed, err)
		}
		script.AssertOlderBuild(ts)
	}

	// 2. Device-specific pre-hook.
	if err := c.hooks.PreInstall(script); err != nil {
		return fmt.Errorf("compose: pre-install hook: %w", err)
	}

	// 3. Progress budget opens with 0.5.
	script.ShowProgress(0.5, 0)

	chaabi := misc.IntelChaabiToken()
	iafw := misc.BiosType() == "iafw"

	// 4. Chaabi token update bracket opens before anything touches the
	// boot media.
	if chaabi {
		script.Mount("/system")
		script.StartUpdate()
		script.Unmount("/system")
	}

	// 5. Repartition.
	if misc.DoPartitioning() {
		if partitionTable == "" {
			return fmt.Errorf("%w: do_partitioning set but %s missing", ErrInputMalformed, c.partitionTableEntry)
		}
		if err := asm.WriteFile("partition.tbl", []byte(partitionTable)); err != nil {
			return err
		}
		script.PackageExtract("partition.tbl")
		script.FlashPartitionScheme()
	}

	// 6. IA firmware needs the OS slot invalidated before flashing.
	if iafw {
		script.InvalidateOS("boot")
	}

	// 7. BOM token travels inside ifwi.zip.
	if chaabi {
		script.PackageExtract("ifwi.zip")
		script.FlashBOMToken()
	}

	// 8–9. Wipe and reinstall the system tree.
	if c.wipeUserData {
		script.FormatPartition("/data")
	}
	script.FormatPartition("/system")
	script.Mount("/system")
	script.UnpackPackageDir("recovery", "/system")
	script.UnpackPackageDir("system", "/system")

	// 10. Symlinks.
	script.MakeSymlinks(symlinkArgs(loaded.Symlinks))
	if c.emitRetouch {
		for _, r := range loaded.Retouch {
			script.Retouch(r.DevicePath, r.SHA1)
		}
	}

	// 11. Images, 0.4 of the budget split across the update set.
	if err := c.emitFullImages(ctx, asm, tree, script, plan, targets, partitionTable); err != nil {
		return err
	}

	// 12. Permission plan, then 0.1 of the budget.
	if err := c.emitPermissionPlan(tf, tree, script); err != nil {
		return err
	}
	script.ShowProgress(0.1, 10)

	// 13. Extras and teardown.
	script.AppendExtra(c.extraScript)
	if chaabi {
		script.FinalizeUpdate()
	}
	script.UnmountAll()
	if iafw {
		script.RestoreOS("boot")
	}
	if err := c.hooks.PostInstall(script); err != nil {
		return fmt.Errorf("compose: post-install hook: %w", err)
	}

	// 14. Post-assert on the progress budget.
	if err := script.CheckFullOTAProgress(); err != nil {
		return fmt.Errorf("%w: %v", ErrProgressUnderrun, err)
	}

	fingerprint, err := props.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	ts, err := props.TimestampUTC()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputMalformed, err)
	}
	manifest := map[string]string{
		"post-build":     fingerprint,
		"pre-device":     device,
		"post-timestamp": ts,
	}
	return c.finish(ctx, asm, script, manifest)
}

// emitFullImages handles the image phase: each image in the update set
// gets an equal slice of the 0.4 image budget; recovery contributes
// only its recovery-from-boot side effect (unless the boot/recovery
// pair can't carry a boot header, in which case recovery is flashed
// whole like any other image), everything else is written into the
// package, extracted, and flashed.
func (c *Composer) emitFullImages(ctx context.Context, asm *archive.Assembler, tree *metadatatree.Tree, script *installer.Script, plan imageplan.Result, targets map[string]*fileblob.Blob, partitionTable string) error {
	var updates []imageplan.Decision
	for _, d := range plan.Decisions {
		if d.Kind == imageplan.Skip {
			if d.Target != nil {
				c.log.Warn("image unchanged, skipping", "image", d.Name)
			}
			continue
		}
		updates = append(updates, d)
	}
	if len(updates) == 0 {
		return nil
	}

	share := 0.4 / float64(len(updates))
	for _, d := range updates {
		script.ShowProgress(share, 5)

		if d.Kind == imageplan.RecoveryFromBoot {
			boot := targets["boot"]
			if boot != nil && imageplan.PlausibleBootImage(boot.Data()) && imageplan.PlausibleBootImage(d.Target.Data()) {
				if err := c.writeRecoveryFromBoot(ctx, asm, tree, boot, d.Target); err != nil {
					return err
				}
				continue
			}
			c.log.Warn("boot/recovery pair unusable for recovery-from-boot, full-flashing recovery")
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
	return nil
}
