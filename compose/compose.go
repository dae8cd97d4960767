// Package compose drives the OTA composition engine: it
// loads one or two target-files archives, runs the system file loader,
// difference planner, and image planner, emits the installer script
// in the required phase order, and hands the assembled package
// to the signing capability. A Composer is safe to reuse across
// compositions; all per-composition state (metadata trees, archives,
// scripts) is local to one Compose call.
package compose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/otacompose/engine/internal/archive"
	"github.com/otacompose/engine/internal/difftool"
	"github.com/otacompose/engine/internal/fileblob"
	"github.com/otacompose/engine/internal/fsconfig"
	"github.com/otacompose/engine/internal/imageplan"
	"github.com/otacompose/engine/internal/installer"
	"github.com/otacompose/engine/internal/metadatatree"
	"github.com/otacompose/engine/internal/signer"
	"github.com/otacompose/engine/internal/systemfiles"
	"github.com/otacompose/engine/internal/targetfiles"
)

// DefaultPartitionTableEntry is the archive entry consulted for the
// device partition table when partitioning is requested or an image
// must be flashed at a raw byte offset.
const DefaultPartitionTableEntry = "RADIO/partition.tbl"

// gingerbreadBuildID marks a source build whose installed release
// predates the first-boot transition; it sets the opaque fromgb flag.
const gingerbreadBuildID = "GINGERBREAD"

// Composer orchestrates full and incremental OTA composition.
type Composer struct {
	packageKey          string
	wipeUserData        bool
	omitPrereq          bool
	extraScript         string
	emitRetouch         bool
	workerThreads       int
	patchThreshold      float64
	requireVerbatim     []string
	prohibitVerbatim    []string
	productNameMapping  map[string]string
	partitionSizeLimits map[string]int64
	partitionTableEntry string
	fallbackRegion      imageplan.FallbackRegion

	hooks       DeviceHooks
	patcher     difftool.PatchComputer
	signer      archive.Signer
	passphrases signer.PassphraseSource
	resolver    metadatatree.Resolver
	log         *slog.Logger
}

// Option configures a Composer.
type Option func(*Composer) error

// WithPackageKey sets the package-signing key path handed to the
// signing capability.
func WithPackageKey(path string) Option {
	return func(c *Composer) error {
		c.packageKey = path
		return nil
	}
}

// WithWipeUserData requests a format of /data in full OTA mode.
func WithWipeUserData(wipe bool) Option {
	return func(c *Composer) error {
		c.wipeUserData = wipe
		return nil
	}
}

// WithOmitPrereq drops the assert_older_build prerequisite check.
func WithOmitPrereq(omit bool) Option {
	return func(c *Composer) error {
		c.omitPrereq = omit
		return nil
	}
}

// WithExtraScript appends user-supplied script text near the end of
// emission.
func WithExtraScript(text string) Option {
	return func(c *Composer) error {
		c.extraScript = text
		return nil
	}
}

// WithEmitRetouch enables emission of ASLR retouch primitives for lib/
// files. Off by default; the primitive stays in the DSL vocabulary
// regardless.
func WithEmitRetouch(emit bool) Option {
	return func(c *Composer) error {
		c.emitRetouch = emit
		return nil
	}
}

// WithWorkerThreads sets the diff worker pool size (default 3).
func WithWorkerThreads(n int) Option {
	return func(c *Composer) error {
		if n < 1 {
			return fmt.Errorf("compose: worker threads must be positive, got %d", n)
		}
		c.workerThreads = n
		return nil
	}
}

// WithPatchThreshold overrides the 0.95 patch admission ratio.
func WithPatchThreshold(ratio float64) Option {
	return func(c *Composer) error {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("compose: patch threshold must be in (0, 1], got %g", ratio)
		}
		c.patchThreshold = ratio
		return nil
	}
}

// WithRequireVerbatim lists files always shipped verbatim.
func WithRequireVerbatim(paths []string) Option {
	return func(c *Composer) error {
		c.requireVerbatim = append(c.requireVerbatim, paths...)
		return nil
	}
}

// WithProhibitVerbatim lists files that must never ship verbatim.
func WithProhibitVerbatim(paths []string) Option {
	return func(c *Composer) error {
		c.prohibitVerbatim = append(c.prohibitVerbatim, paths...)
		return nil
	}
}

// WithProductNameMapping maps a device model to the product name
// asserted by assert_compatible_product in a full package. An empty
// mapping skips that assert; a non-empty mapping missing the target's
// device makes ComposeFull fail with ErrInputMalformed. ComposeIncremental
// does not consult the mapping.
func WithProductNameMapping(mapping map[string]string) Option {
	return func(c *Composer) error {
		c.productNameMapping = mapping
		return nil
	}
}

// WithPartitionSizeLimits declares per-image partition capacities
// enforced by check_size before an image blob is admitted.
func WithPartitionSizeLimits(limits map[string]int64) Option {
	return func(c *Composer) error {
		c.partitionSizeLimits = limits
		return nil
	}
}

// WithPartitionTableEntry overrides the archive entry read for the
// device partition table.
func WithPartitionTableEntry(name string) Option {
	return func(c *Composer) error {
		c.partitionTableEntry = name
		return nil
	}
}

// WithFallbackSignatureRegion overrides the device-specific signature
// region used for recovery images without a parseable boot header.
func WithFallbackSignatureRegion(offset, length int64) Option {
	return func(c *Composer) error {
		c.fallbackRegion = imageplan.FallbackRegion{Offset: offset, Length: length}
		return nil
	}
}

// WithHooks installs the device-specific extension hook.
func WithHooks(h DeviceHooks) Option {
	return func(c *Composer) error {
		c.hooks = h
		return nil
	}
}

// WithPatchComputer overrides the binary-diff capability.
func WithPatchComputer(pc difftool.PatchComputer) Option {
	return func(c *Composer) error {
		c.patcher = pc
		return nil
	}
}

// WithSigner overrides the whole-archive signing capability.
func WithSigner(s archive.Signer) Option {
	return func(c *Composer) error {
		c.signer = s
		return nil
	}
}

// WithPassphraseSource overrides package-key passphrase retrieval.
func WithPassphraseSource(ps signer.PassphraseSource) Option {
	return func(c *Composer) error {
		c.passphrases = ps
		return nil
	}
}

// WithResolver overrides the fs_config metadata-inference capability
// used when META/filesystem_config.txt is absent.
func WithResolver(r metadatatree.Resolver) Option {
	return func(c *Composer) error {
		c.resolver = r
		return nil
	}
}

// WithLogger sets the structured logger for warnings and progress
// notes. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) error {
		c.log = l
		return nil
	}
}

// New builds a Composer with spec defaults: 0.95 patch threshold, 3
// diff workers, exec-based patch/signing/fs_config capabilities, the
// fixed [512, 992) fallback signature region, and no-op device hooks.
func New(opts ...Option) (*Composer, error) {
	c := &Composer{
		workerThreads:       3,
		patchThreshold:      0.95,
		partitionTableEntry: DefaultPartitionTableEntry,
		fallbackRegion:      imageplan.DefaultFallbackRegion,
		hooks:               NopHooks{},
		patcher:             difftool.NewExecPatchComputer(""),
		signer:              signer.NewExecSigner(""),
		passphrases:         signer.EnvPassphraseSource{},
		resolver:            fsconfig.NewExecResolver(""),
		log:                 slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// readMiscInfo reads and parses META/misc_info.txt, a required entry.
func readMiscInfo(a *targetfiles.Archive) (*targetfiles.MiscInfo, error) {
	data, ok, err := a.ReadFile("META/misc_info.txt")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: META/misc_info.txt missing", ErrInputMalformed)
	}
	return targetfiles.ParseMiscInfo(data), nil
}

// imagePlanConfig maps misc_info settings onto the image planner's
// roster and decision tunables.
func imagePlanConfig(misc *targetfiles.MiscInfo, fromGB bool) imageplan.Config {
	return imageplan.NewConfig(
		imageplan.WithCapsule(misc.IntelCapsule()),
		imageplan.WithULPMC(misc.IntelULPMC()),
		imageplan.WithSilentlake(misc.HasSilentlake()),
		imageplan.WithPartitioning(misc.DoPartitioning()),
		imageplan.WithFromGB(fromGB),
	)
}

// loadImages fetches every roster image's blob from an archive; absent
// images map to nil.
func loadImages(a *targetfiles.Archive, roster []string) (map[string]*fileblob.Blob, error) {
	out := make(map[string]*fileblob.Blob, len(roster))
	for _, name := range roster {
		blob, err := a.GetBootableImage(name, imageplan.FileName(name))
		if err != nil {
			return nil, fmt.Errorf("compose: load image %s: %w", name, err)
		}
		out[name] = blob
	}
	return out, nil
}

// readPartitionTable fetches the partition table text, if present.
func (c *Composer) readPartitionTable(a *targetfiles.Archive) (string, error) {
	data, ok, err := a.ReadFile(c.partitionTableEntry)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return string(data), nil
}

// resolveTreeMetadata resolves ownership/permission metadata for every
// node: from META/filesystem_config.txt when present, otherwise by
// querying the external fs_config helper.
func (c *Composer) resolveTreeMetadata(a *targetfiles.Archive, tree *metadatatree.Tree) error {
	data, ok, err := a.ReadFile("META/filesystem_config.txt")
	if err != nil {
		return err
	}
	var records []metadatatree.Record
	if ok {
		records, err = metadatatree.ParseFilesystemConfig(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInputMalformed, err)
		}
	} else {
		records, err = c.resolver.Resolve(tree.PendingQueries())
		if err != nil {
			return fmt.Errorf("compose: fs_config: %w", err)
		}
	}
	tree.Resolve(records)
	return nil
}

// checkSize enforces the declared partition capacity for an image blob.
func (c *Composer) checkSize(name string, blob *fileblob.Blob) error {
	limit, ok := c.partitionSizeLimits[name]
	if !ok {
		return nil
	}
	if blob.Size() > limit {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrSizeViolation, name, blob.Size(), limit)
	}
	return nil
}

// writeRecoveryFromBoot builds the recovery-from-boot patch, stores its
// artifacts under recovery/ in the output archive, and registers the
// two synthesized system-tree nodes.
func (c *Composer) writeRecoveryFromBoot(ctx context.Context, asm *archive.Assembler, tree *metadatatree.Tree, boot, recovery *fileblob.Blob) error {
	rp, err := imageplan.BuildRecoveryFromBoot(ctx, boot, recovery, c.patcher, c.fallbackRegion)
	if err != nil {
		return err
	}
	if err := asm.WriteFile("recovery/recovery-from-boot.p", rp.PatchData); err != nil {
		return err
	}
	if err := asm.WriteFile("recovery/etc/install-recovery.sh", []byte(rp.InstallScript)); err != nil {
		return err
	}
	tree.EnsureNode("system/recovery-from-boot.p", false)
	tree.EnsureNode("system/etc/install-recovery.sh", false)
	return nil
}

// emitPermissionPlan resolves metadata, runs permission compaction, and
// splices the resulting sub-script into s, so permissions land after
// the symlinks they may apply to.
func (c *Composer) emitPermissionPlan(a *targetfiles.Archive, tree *metadatatree.Tree, s *installer.Script) error {
	if err := c.resolveTreeMetadata(a, tree); err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		return err
	}
	tree.Compact()
	perm := installer.New()
	tree.Emit(perm)
	s.AppendScript(perm)
	return nil
}

func symlinkArgs(symlinks []systemfiles.Symlink) []installer.SymlinkArg {
	out := make([]installer.SymlinkArg, len(symlinks))
	for i, l := range symlinks {
		out[i] = installer.SymlinkArg{Target: l.Target, Link: l.Link}
	}
	return out
}

// finish renders the script, writes it and the metadata manifest into
// the package, and signs the result.
func (c *Composer) finish(ctx context.Context, asm *archive.Assembler, s *installer.Script, manifest map[string]string) error {
	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		return fmt.Errorf("compose: render installer script: %w", err)
	}
	if err := asm.WriteFile(archive.ScriptPath, buf.Bytes()); err != nil {
		return err
	}
	if err := asm.WriteManifest(manifest); err != nil {
		return err
	}
	passphrase, err := c.passphrases.Passphrase(c.packageKey)
	if err != nil {
		return fmt.Errorf("compose: retrieve key passphrase: %w", err)
	}
	return asm.Finalize(ctx, c.signer, c.packageKey, passphrase)
}
