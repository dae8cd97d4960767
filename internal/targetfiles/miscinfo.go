package targetfiles

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// MiscInfo is the free-form key/value dictionary read from
// META/misc_info.txt. The core only consumes a known subset of
// keys; everything else round-trips as an opaque string in case a
// device-specific hook needs it.
type MiscInfo struct {
	values map[string]string
}

// ParseMiscInfo parses "key=value" lines, ignoring blanks and lines
// starting with '#'.
func ParseMiscInfo(data []byte) *MiscInfo {
	values := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return &MiscInfo{values: values}
}

func (m *MiscInfo) raw(key string) string { return m.values[key] }

func (m *MiscInfo) boolKey(key string) bool {
	switch strings.ToLower(m.raw(key)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// RecoveryAPIVersion returns recovery_api_version, or 0 if unset/unparseable.
func (m *MiscInfo) RecoveryAPIVersion() int {
	n, _ := strconv.Atoi(m.raw("recovery_api_version"))
	return n
}

// DefaultSystemDevCertificate returns default_system_dev_certificate.
func (m *MiscInfo) DefaultSystemDevCertificate() string {
	return m.raw("default_system_dev_certificate")
}

// IntelCapsule reports whether intel_capsule is set.
func (m *MiscInfo) IntelCapsule() bool { return m.boolKey("intel_capsule") }

// IntelULPMC reports whether intel_ulpmc is set.
func (m *MiscInfo) IntelULPMC() bool { return m.boolKey("intel_ulpmc") }

// IntelChaabiToken reports whether intel_chaabi_token is set.
func (m *MiscInfo) IntelChaabiToken() bool { return m.boolKey("intel_chaabi_token") }

// DoPartitioning reports whether do_partitioning is set.
func (m *MiscInfo) DoPartitioning() bool { return m.boolKey("do_partitioning") }

// BiosType returns bios_type verbatim (e.g. "iafw").
func (m *MiscInfo) BiosType() string { return m.raw("bios_type") }

// HasSilentlake reports whether has_silentlake is set.
func (m *MiscInfo) HasSilentlake() bool { return m.boolKey("has_silentlake") }

// ToolExtensions returns tool_extensions verbatim, the device-specific
// extension hook module path.
func (m *MiscInfo) ToolExtensions() string { return m.raw("tool_extensions") }

// Get returns an arbitrary key, for callers that need a value this
// typed surface doesn't enumerate.
func (m *MiscInfo) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}
