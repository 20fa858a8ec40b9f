//go:build linux

package homeassistant

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// machine returns the kernel's machine name (x86_64, aarch64, ...).
func machine() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOARCH
	}
	return unix.ByteSliceToString(uts.Machine[:])
}
