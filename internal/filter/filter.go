// Package filter decides which systemd units the agent monitors.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

const serviceSuffix = ".service"

// Policy is a whitelist/blacklist pair. The zero value accepts everything.
type Policy struct {
	whitelist []pattern
	blacklist []pattern
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

// New compiles the whitelist and blacklist entries. Entries match either
// literally (with or without the ".service" suffix) or as a regular
// expression anchored at the start of the unit name.
func New(whitelist, blacklist []string) (*Policy, error) {
	wl, err := compile("whitelist", whitelist)
	if err != nil {
		return nil, err
	}
	bl, err := compile("blacklist", blacklist)
	if err != nil {
		return nil, err
	}
	return &Policy{whitelist: wl, blacklist: bl}, nil
}

func compile(kind string, entries []string) ([]pattern, error) {
	out := make([]pattern, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		re, err := regexp.Compile(`^(?:` + entry + `)`)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", kind, entry, err)
		}
		out = append(out, pattern{raw: entry, re: re})
	}
	return out, nil
}

func (p pattern) match(name string) bool {
	return name == p.raw || name == p.raw+serviceSuffix || p.re.MatchString(name)
}

// Allows reports whether the unit should be monitored. The blacklist is
// evaluated after the whitelist and always wins.
func (p *Policy) Allows(name string) bool {
	if p == nil {
		return true
	}
	if len(p.whitelist) > 0 && p.MatchingWhitelistEntry(name) == "" {
		return false
	}
	for _, entry := range p.blacklist {
		if entry.match(name) {
			return false
		}
	}
	return true
}

// MatchingWhitelistEntry returns the first whitelist entry matching name, or
// an empty string.
func (p *Policy) MatchingWhitelistEntry(name string) string {
	if p == nil {
		return ""
	}
	for _, entry := range p.whitelist {
		if entry.match(name) {
			return entry.raw
		}
	}
	return ""
}
