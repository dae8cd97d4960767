package compose

import "errors"

// Error kinds surfaced by the composer. Each failure wraps one of
// these sentinels; callers dispatch with errors.Is. Failures raised by
// the external capabilities (signing, fs_config, binary diff) are
// wrapped at their call sites without a dedicated sentinel.
var (
	// ErrInputMalformed covers a missing required archive entry, an
	// unparseable build.prop field, or an unresolved
	// product_name_mapping entry.
	ErrInputMalformed = errors.New("compose: input malformed")

	// ErrConfigConflict covers a file listed in both require_verbatim
	// and prohibit_verbatim, or a prohibit_verbatim file that would be
	// sent verbatim.
	ErrConfigConflict = errors.New("compose: configuration conflict")

	// ErrSizeViolation is returned when an image blob exceeds its
	// declared partition size limit.
	ErrSizeViolation = errors.New("compose: image exceeds partition size limit")

	// ErrProgressUnderrun is returned when a full OTA's emitted script
	// ends with cur_progress below 0.9.
	ErrProgressUnderrun = errors.New("compose: progress underrun")
)
