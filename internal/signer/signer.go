// Package signer provides the whole-archive signing capability and
// package-key passphrase retrieval. The engine never implements
// cryptographic signing itself; the default Signer shells out to an
// external signapk-style tool, and callers with a different signing
// infrastructure supply their own archive.Signer.
package signer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultPassphraseVar is the environment variable the default
// PassphraseSource reads.
const DefaultPassphraseVar = "OTA_KEY_PASSPHRASE"

// PassphraseSource retrieves the passphrase protecting a package key.
type PassphraseSource interface {
	Passphrase(keyPath string) (string, error)
}

// EnvPassphraseSource reads the passphrase from an environment
// variable. An unset variable yields the empty passphrase, matching
// keys stored without one.
type EnvPassphraseSource struct {
	// Var is the variable name; DefaultPassphraseVar when empty.
	Var string
}

// Passphrase implements PassphraseSource.
func (s EnvPassphraseSource) Passphrase(string) (string, error) {
	v := s.Var
	if v == "" {
		v = DefaultPassphraseVar
	}
	return os.Getenv(v), nil
}

// ExecSigner invokes an external signing tool with the calling
// convention "<bin> -w <key> <unsigned-zip> <signed-zip>", feeding the
// passphrase on stdin. The -w flag requests a whole-file signature
// covering the full archive bytes.
type ExecSigner struct {
	// Path to the signing tool. Defaults to "signapk" on PATH.
	Path string
}

// NewExecSigner returns a Signer shelling out to path, or "signapk" on
// PATH if path is empty.
func NewExecSigner(path string) *ExecSigner {
	if path == "" {
		path = "signapk"
	}
	return &ExecSigner{Path: path}
}

// SignWholeArchive implements archive.Signer.
func (s *ExecSigner) SignWholeArchive(ctx context.Context, unsignedPath, signedPath, keyPath, passphrase string) error {
	cmd := exec.CommandContext(ctx, s.Path, "-w", keyPath, unsignedPath, signedPath) //nolint:gosec // operator-configured signing tool
	cmd.Stdin = strings.NewReader(passphrase)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("signer: %s failed: %w: %s", s.Path, err, out)
	}
	return nil
}
