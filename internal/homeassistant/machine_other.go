//go:build !linux

package homeassistant

import "runtime"

func machine() string {
	return runtime.GOARCH
}
