package compose

import "github.com/otacompose/engine/internal/installer"

// DeviceHooks is the device-specific extension point named by the
// tool_extensions setting in META/misc_info.txt: it may append extra
// primitives immediately after the opening asserts (PreInstall) and as
// the last step of emission (PostInstall). The engine never inspects
// what a hook appends.
type DeviceHooks interface {
	PreInstall(s *installer.Script) error
	PostInstall(s *installer.Script) error
}

// NopHooks is the default DeviceHooks, appending nothing.
type NopHooks struct{}

func (NopHooks) PreInstall(*installer.Script) error  { return nil }
func (NopHooks) PostInstall(*installer.Script) error { return nil }
