package systemctl

import "context"

// Empty type to represent the _type_ Runner. Genesis is to support a key in a Context
type Key struct{}

// RunnerKey is a global instance of the Key type
var RunnerKey = Key{}

// RunnerFromContext returns the Runner stored under RunnerKey, falling back
// to ExecRunner.
func RunnerFromContext(ctx context.Context) Runner {
	if r, ok := ctx.Value(RunnerKey).(Runner); ok && r != nil {
		return r
	}
	return ExecRunner{}
}
