//go:build linux

package pthread

import (
	"fmt"
	"testing"

	"golang.org/x/mod/semver"
)

func TestVersionIsValidSemver(t *testing.T) {
	v := "v" + Version
	if !semver.IsValid(v) {
		t.Fatalf("Version %q is not valid semver", Version)
	}
	if got := semver.Canonical(v); got != v {
		t.Errorf("Version %q is not canonical, want %q", v, got)
	}
}

func TestVersionComponentsMatch(t *testing.T) {
	want := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if Version != want {
		t.Errorf("Version = %q, component constants say %q", Version, want)
	}
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if info.Version != Version {
		t.Errorf("Info.Version = %q, want %q", info.Version, Version)
	}
	if info.PointerBits != 32 && info.PointerBits != 64 {
		t.Errorf("Info.PointerBits = %d, want 32 or 64", info.PointerBits)
	}
}
