package cmd

import "strings"

var sensitiveFlags = map[string]struct{}{
	"--password": {},
	"--username": {},
}

// RedactArgs returns a copy of args with the values of credential flags
// replaced, for logging the command line.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, ok := splitFlagName(arg); ok && isSensitiveFlag(name) {
			redacted = append(redacted, name+"=<redacted>")
			continue
		}

		// pflag takes the next argument as the value even when it starts
		// with a dash.
		if isSensitiveFlag(arg) {
			redacted = append(redacted, arg)
			if i+1 < len(args) {
				redacted = append(redacted, "<redacted>")
				i++
			}
			continue
		}

		redacted = append(redacted, arg)
	}
	return redacted
}

func splitFlagName(arg string) (string, bool) {
	if !strings.HasPrefix(arg, "-") {
		return "", false
	}
	idx := strings.IndexByte(arg, '=')
	if idx <= 0 {
		return "", false
	}
	return arg[:idx], true
}

func isSensitiveFlag(flag string) bool {
	_, ok := sensitiveFlags[strings.ToLower(strings.TrimSpace(flag))]
	return ok
}
