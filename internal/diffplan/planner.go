// Package diffplan implements the difference planner:
// classifying every target file as verbatim, patched, or unchanged
// relative to a source build, and admitting or demoting the resulting
// patches by a size-ratio threshold.
package diffplan

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/otacompose/engine/internal/difftool"
	"github.com/otacompose/engine/internal/fileblob"
)

// Kind is the outcome of classifying one target path.
type Kind int

const (
	// Unchanged means source and target have identical SHA-1 digests.
	Unchanged Kind = iota
	// Verbatim means the target is shipped as a direct archive entry.
	Verbatim
	// Patched means the target is shipped as a binary diff from source.
	Patched
)

// Decision is the outcome for one target path.
type Decision struct {
	Path      string
	Kind      Kind
	Target    *fileblob.Blob
	Source    *fileblob.Blob // nil when Kind == Verbatim
	PatchData []byte         // nil unless Kind == Patched
	PatchSHA1 string         // "" unless Kind == Patched
}

// ErrConfigConflict is returned when a path is classified verbatim (by
// absence from source, or by require_verbatim membership) while also
// listed in prohibit_verbatim.
type ErrConfigConflict struct{ Path string }

func (e *ErrConfigConflict) Error() string {
	return fmt.Sprintf("diffplan: %s is listed in prohibit_verbatim but was classified verbatim", e.Path)
}

// Config carries the planner's tunables; built via functional options
// so the engine never needs a mutable global.
type Config struct {
	PatchThreshold   float64
	RequireVerbatim  map[string]bool
	ProhibitVerbatim map[string]bool
	Workers          int
	Computer         difftool.PatchComputer
}

// Option configures a Config.
type Option func(*Config)

// WithPatchThreshold overrides the default 0.95 admission threshold.
func WithPatchThreshold(ratio float64) Option {
	return func(c *Config) { c.PatchThreshold = ratio }
}

// WithRequireVerbatim marks paths that must always be shipped verbatim.
func WithRequireVerbatim(paths []string) Option {
	return func(c *Config) {
		for _, p := range paths {
			c.RequireVerbatim[p] = true
		}
	}
}

// WithProhibitVerbatim marks paths that must never be shipped verbatim.
func WithProhibitVerbatim(paths []string) Option {
	return func(c *Config) {
		for _, p := range paths {
			c.ProhibitVerbatim[p] = true
		}
	}
}

// WithWorkers overrides the default worker pool size of 3.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithPatchComputer overrides the default exec-based patch capability.
func WithPatchComputer(pc difftool.PatchComputer) Option {
	return func(c *Config) { c.Computer = pc }
}

// NewConfig builds a Config with the stock defaults: threshold 0.95,
// worker pool size 3, an exec-based patch computer.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		PatchThreshold:   0.95,
		RequireVerbatim:  map[string]bool{},
		ProhibitVerbatim: map[string]bool{},
		Workers:          3,
		Computer:         difftool.NewExecPatchComputer(""),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Result is the planner's output.
type Result struct {
	Decisions         []Decision
	LargestSourceSize int64
}

// Plan classifies every path in targets against sources, iterating in
// sorted target-path order, computes patches for candidates
// needing one across a bounded worker pool, and admits or demotes
// each patch by the configured size-ratio threshold.
func Plan(ctx context.Context, targets, sources map[string]*fileblob.Blob, cfg Config) (Result, error) {
	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	decisions := make([]Decision, len(paths))
	var patchCandidates []int // indices into paths/decisions needing a patch

	for i, p := range paths {
		target := targets[p]
		source, hasSource := sources[p]

		verbatim := !hasSource || cfg.RequireVerbatim[p]
		if verbatim {
			if cfg.ProhibitVerbatim[p] {
				return Result{}, &ErrConfigConflict{Path: p}
			}
			decisions[i] = Decision{Path: p, Kind: Verbatim, Target: target}
			continue
		}

		if source.SHA1() == target.SHA1() {
			decisions[i] = Decision{Path: p, Kind: Unchanged, Target: target, Source: source}
			continue
		}

		decisions[i] = Decision{Path: p, Kind: Patched, Target: target, Source: source}
		patchCandidates = append(patchCandidates, i)
	}

	if err := computePatches(ctx, decisions, patchCandidates, cfg); err != nil {
		return Result{}, err
	}

	var largest int64
	for i := range decisions {
		d := &decisions[i]
		if d.Kind != Patched {
			continue
		}
		if admitPatch(d, cfg.PatchThreshold) {
			if d.Source.Size() > largest {
				largest = d.Source.Size()
			}
		} else if cfg.ProhibitVerbatim[d.Path] {
			return Result{}, &ErrConfigConflict{Path: d.Path}
		}
	}

	return Result{Decisions: decisions, LargestSourceSize: largest}, nil
}

// computePatches fills in PatchData for every candidate index using a
// bounded worker pool; results are gathered into the pre-sized
// decisions slice before any admission logic runs, so admission stays
// single-threaded and ordered.
func computePatches(ctx context.Context, decisions []Decision, candidates []int, cfg Config) error {
	if len(candidates) == 0 {
		return nil
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, idx := range candidates {
		idx := idx
		g.Go(func() error {
			d := &decisions[idx]
			patch, err := cfg.Computer.ComputePatch(gctx, d.Target.Data(), d.Source.Data())
			if err != nil {
				return fmt.Errorf("diffplan: compute patch for %s: %w", d.Path, err)
			}
			d.PatchData = patch
			d.PatchSHA1 = fileblob.SHA1Hex(patch)
			return nil
		})
	}

	return g.Wait()
}

// admitPatch demotes d to Verbatim if its patch exceeds the size-ratio
// threshold against the target size.
func admitPatch(d *Decision, threshold float64) bool {
	if float64(len(d.PatchData)) > threshold*float64(d.Target.Size()) {
		d.Kind = Verbatim
		d.Source = nil
		d.PatchData = nil
		d.PatchSHA1 = ""
		return false
	}
	return true
}
