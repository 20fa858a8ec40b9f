package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
)

// NewFriendlyErrorHandler returns a handler that renders error records as a
// short console message:
//
//	Error: could not connect to broker
//	  component: main
//	  error: dial tcp 127.0.0.1:1883: connect: connection refused
func NewFriendlyErrorHandler(w io.Writer) slog.Handler {
	return &friendlyHandler{w: w}
}

type friendlyHandler struct {
	w      io.Writer
	attrs  []slog.Attr
	groups []string
}

type attrEntry struct {
	key   string
	value string
}

// skippedKeys are attributes that only make sense in the full log.
var skippedKeys = map[string]struct{}{
	"run_id": {},
}

func (h *friendlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *friendlyHandler) Handle(_ context.Context, record slog.Record) error {
	entries := h.collectEntries(record)

	summary := strings.TrimSpace(record.Message)
	if summary == "" {
		for _, entry := range entries {
			if entry.key == "error" && entry.value != "" {
				summary = entry.value
				break
			}
		}
	}
	if summary == "" {
		summary = "an unknown error occurred"
	}

	label := "Error"
	if record.Level >= LevelCritical {
		label = "Critical"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", label, summary)

	rest := make([]attrEntry, 0, len(entries))
	for _, entry := range entries {
		if _, skip := skippedKeys[entry.key]; skip || entry.value == "" {
			continue
		}
		rest = append(rest, entry)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].key < rest[j].key
	})
	for _, entry := range rest {
		writeEntry(&sb, entry)
	}

	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *friendlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, attr := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.fullKey(attr.Key), Value: attr.Value})
	}
	return clone
}

func (h *friendlyHandler) WithGroup(name string) slog.Handler {
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *friendlyHandler) clone() *friendlyHandler {
	return &friendlyHandler{
		w:      h.w,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

func (h *friendlyHandler) collectEntries(record slog.Record) []attrEntry {
	entries := make([]attrEntry, 0, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		entries = append(entries, attrEntry{key: attr.Key, value: valueString(attr.Value.Resolve())})
	}
	record.Attrs(func(attr slog.Attr) bool {
		entries = append(entries, attrEntry{key: h.fullKey(attr.Key), value: valueString(attr.Value.Resolve())})
		return true
	})
	return entries
}

func (h *friendlyHandler) fullKey(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(append(append([]string{}, h.groups...), key), ".")
}

func valueString(val slog.Value) string {
	switch val.Kind() {
	case slog.KindGroup:
		parts := make([]string, 0, len(val.Group()))
		for _, attr := range val.Group() {
			parts = append(parts, attr.Key+"="+valueString(attr.Value.Resolve()))
		}
		return strings.Join(parts, ", ")
	case slog.KindAny:
		if err, ok := val.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(val.Any())
	default:
		return val.String()
	}
}

func writeEntry(sb *strings.Builder, entry attrEntry) {
	lines := strings.Split(strings.TrimSpace(entry.value), "\n")
	fmt.Fprintf(sb, "  %s: %s\n", entry.key, strings.TrimSpace(lines[0]))
	for _, line := range lines[1:] {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			fmt.Fprintf(sb, "    %s\n", trimmed)
		}
	}
}
