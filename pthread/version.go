//go:build linux

package pthread

import (
	"github.com/renlord/platform-bionic/internal/pthread/auxstack"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
)

// Version information for the threading runtime.
const (
	// Version is the current version of the threading runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides build-time information about the threading runtime.
type Info struct {
	// Version is the runtime version string.
	Version string

	// PointerBits is the width of the platform word, which also
	// selects the stack-gap bound and the scheduling-failure policy.
	PointerBits int

	// ShadowCallStack indicates whether threads on this architecture
	// get a register-addressed shadow call stack.
	ShadowCallStack bool
}

// GetInfo returns information about the threading runtime.
//
// Example:
//
//	info := pthread.GetInfo()
//	fmt.Printf("pthread runtime %s (%d-bit)\n", info.Version, info.PointerBits)
func GetInfo() Info {
	return Info{
		Version:         Version,
		PointerBits:     layout.PointerBits,
		ShadowCallStack: auxstack.ShadowStackSupported,
	}
}
