// Package imageplan implements the image planner: building
// the fixed roster of bootable-image names, deciding per image whether
// to skip, full-flash, or incrementally patch it, and constructing the
// specialized recovery-from-boot patch.
package imageplan

import "github.com/otacompose/engine/internal/fileblob"

// DecisionKind is the outcome of planning one named image.
type DecisionKind int

const (
	Skip DecisionKind = iota
	FullFlash
	IncrementalPatch
	RecoveryFromBoot
)

// Decision is the planned action for one named image.
type Decision struct {
	Name   string
	Kind   DecisionKind
	Source *fileblob.Blob
	Target *fileblob.Blob

	// Downgraded marks a FullFlash that would have been an
	// IncrementalPatch if both blobs carried a plausible boot-image
	// header; the composer logs a warning for these.
	Downgraded bool
}

// Config carries the roster-construction and decision-rule tunables.
type Config struct {
	UseCapsule        bool
	ULPMCEnabled      bool
	SilentlakeEnabled bool
	DoPartitioning    bool
	FromGB            bool

	// IFWIEquivalent implements the domain-specific "ifwi_differs"
	// comparison, which may consider two ifwi.zip blobs
	// equivalent even when their raw bytes differ (e.g. a rebuilt
	// container with identical payload entries). Defaults to a byte
	// equality check when nil.
	IFWIEquivalent func(source, target []byte) bool
}

// Option configures a Config.
type Option func(*Config)

func WithCapsule(use bool) Option           { return func(c *Config) { c.UseCapsule = use } }
func WithULPMC(enabled bool) Option         { return func(c *Config) { c.ULPMCEnabled = enabled } }
func WithSilentlake(enabled bool) Option    { return func(c *Config) { c.SilentlakeEnabled = enabled } }
func WithPartitioning(requested bool) Option { return func(c *Config) { c.DoPartitioning = requested } }
func WithFromGB(fromGB bool) Option         { return func(c *Config) { c.FromGB = fromGB } }
func WithIFWIEquivalent(f func(source, target []byte) bool) Option {
	return func(c *Config) { c.IFWIEquivalent = f }
}

// NewConfig builds a Config from options.
func NewConfig(opts ...Option) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// FileName returns the archive/file-name convention for a logical image
// name.
func FileName(name string) string {
	switch name {
	case "ifwi", "esp":
		return name + ".zip"
	case "capsule", "ulpmc":
		return name + ".bin"
	default:
		return name + ".img"
	}
}

// Roster builds the fixed ordered roster of logical image names.
func Roster(cfg Config) []string {
	roster := []string{"boot", "recovery", "fastboot", "esp"}
	if cfg.UseCapsule {
		roster = append(roster, "capsule")
	} else {
		roster = append(roster, "ifwi")
	}
	if cfg.ULPMCEnabled {
		roster = append(roster, "ulpmc")
	}
	if cfg.SilentlakeEnabled {
		roster = append(roster, "silentlake")
	}
	return roster
}

// Result is the planner's output.
type Result struct {
	Decisions         []Decision
	LargestSourceSize int64
}

// Plan decides, for every image in the roster, whether to skip it, full
// flash it, incrementally patch it, or defer it to a recovery-from-boot
// patch. Rules are first-match-wins.
func Plan(cfg Config, sources, targets map[string]*fileblob.Blob) Result {
	var res Result
	for _, name := range Roster(cfg) {
		d := decide(name, sources[name], targets[name], cfg)
		if d.Kind == IncrementalPatch && d.Source.Size() > res.LargestSourceSize {
			res.LargestSourceSize = d.Source.Size()
		}
		res.Decisions = append(res.Decisions, d)
	}
	return res
}

func decide(name string, source, target *fileblob.Blob, cfg Config) Decision {
	if target == nil {
		return Decision{Name: name, Kind: Skip}
	}
	if source != nil && source.SHA1() == target.SHA1() {
		return Decision{Name: name, Kind: Skip, Source: source, Target: target}
	}
	if name == "recovery" {
		return Decision{Name: name, Kind: RecoveryFromBoot, Source: source, Target: target}
	}
	if name == "ifwi" && source != nil {
		eq := cfg.IFWIEquivalent
		if eq == nil {
			eq = bytesEqual
		}
		if eq(source.Data(), target.Data()) {
			return Decision{Name: name, Kind: Skip, Source: source, Target: target}
		}
	}

	fullImagesOnly := cfg.DoPartitioning || cfg.FromGB ||
		name == "ifwi" || name == "capsule" || name == "ulpmc" || name == "esp"
	if fullImagesOnly {
		return Decision{Name: name, Kind: FullFlash, Source: source, Target: target}
	}
	if source != nil {
		if name == "boot" && !(PlausibleBootImage(source.Data()) && PlausibleBootImage(target.Data())) {
			return Decision{Name: name, Kind: FullFlash, Source: source, Target: target, Downgraded: true}
		}
		return Decision{Name: name, Kind: IncrementalPatch, Source: source, Target: target}
	}
	return Decision{Name: name, Kind: FullFlash, Target: target}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
