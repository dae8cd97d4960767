package targetfiles

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingProp is returned when a required build.prop property is
// absent or empty.
var ErrMissingProp = errors.New("targetfiles: missing build.prop property")

// BuildProps is the key/value property set read from SYSTEM/build.prop.
// The composer needs only a handful of ro.build.* / ro.product.* keys;
// everything else is retained for device-specific hooks.
type BuildProps struct {
	values map[string]string
}

// ParseBuildProps parses "key=value" lines from a build.prop file,
// ignoring blanks and '#' comments.
func ParseBuildProps(data []byte) *BuildProps {
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
	return &BuildProps{values: values}
}

// ReadBuildProps reads and parses SYSTEM/build.prop from the archive.
func (a *Archive) ReadBuildProps() (*BuildProps, error) {
	data, ok, err := a.ReadFile("SYSTEM/build.prop")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("targetfiles: SYSTEM/build.prop: %w", ErrMissingProp)
	}
	return ParseBuildProps(data), nil
}

// Get returns an arbitrary property value.
func (p *BuildProps) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *BuildProps) required(key string) (string, error) {
	v := p.values[key]
	if v == "" {
		return "", fmt.Errorf("targetfiles: %s: %w", key, ErrMissingProp)
	}
	return v, nil
}

// Fingerprint returns ro.build.fingerprint, the build identity recorded
// in the package manifest and in incremental-mode asserts.
func (p *BuildProps) Fingerprint() (string, error) {
	return p.required("ro.build.fingerprint")
}

// Device returns ro.product.device, the value asserted by assert_device.
func (p *BuildProps) Device() (string, error) {
	return p.required("ro.product.device")
}

// BuildID returns ro.build.id. The empty string is allowed; the only
// consumer is the fromgb flag comparison.
func (p *BuildProps) BuildID() string { return p.values["ro.build.id"] }

// TimestampUTC returns ro.build.date.utc, the epoch-seconds build
// timestamp used for post-timestamp and assert_older_build.
func (p *BuildProps) TimestampUTC() (string, error) {
	return p.required("ro.build.date.utc")
}
