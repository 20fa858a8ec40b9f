package cmd

import "strings"

const indentation = `  `

// LongDesc normalizes a command's long description.
func LongDesc(s string) string {
	return strings.TrimSpace(s)
}

// Examples normalizes a command's examples: trimmed, one example line per
// line, each indented once.
func Examples(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indentation + strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}
