// Package diff summarizes unified diffs carried by approval requests so
// renderers can show a compact change stat next to the prompt.
package diff

import (
	"fmt"
	"strings"
)

// Stat is a concise summary of one unified diff.
type Stat struct {
	Files        []string `json:"files,omitempty"`
	LinesAdded   int      `json:"linesAdded"`
	LinesRemoved int      `json:"linesRemoved"`
	Hunks        int      `json:"hunks"`
}

// Empty reports whether the diff contained no changes.
func (s Stat) Empty() bool {
	return s.LinesAdded == 0 && s.LinesRemoved == 0
}

// String renders the stat in the conventional +N/-N form.
func (s Stat) String() string {
	if s.Empty() {
		return "no changes"
	}
	out := fmt.Sprintf("+%d/-%d", s.LinesAdded, s.LinesRemoved)
	if len(s.Files) == 1 {
		out += " " + s.Files[0]
	} else if len(s.Files) > 1 {
		out += fmt.Sprintf(" (%d files)", len(s.Files))
	}
	return out
}

// Parse summarizes a unified diff. Unparseable input yields a zero Stat
// rather than an error; the diff text itself is still shown to the user.
func Parse(unified string) Stat {
	var stat Stat
	seen := make(map[string]bool)
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			name := cleanFileHeader(strings.TrimPrefix(line, "+++ "))
			if name != "" && !seen[name] {
				seen[name] = true
				stat.Files = append(stat.Files, name)
			}
		case strings.HasPrefix(line, "--- "):
			// Counted via the +++ side.
		case strings.HasPrefix(line, "@@"):
			stat.Hunks++
		case strings.HasPrefix(line, "+"):
			stat.LinesAdded++
		case strings.HasPrefix(line, "-"):
			stat.LinesRemoved++
		}
	}
	return stat
}

// cleanFileHeader strips diff decorations from a file header entry.
func cleanFileHeader(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimPrefix(name, "b/")
	if name == "/dev/null" {
		return ""
	}
	return name
}
