// Package gate enforces the tiered safety model: every mutating
// operation carries a minimum difficulty level, and unconditional guard
// rails sit above all levels.
package gate

import "fmt"

// Level is a difficulty tier. Levels form a strict subset order:
// everything readonly allows is allowed at fetch, and so on up.
type Level int

const (
	Readonly Level = iota
	Fetch
	Commit
	Force
	Unsafe
)

var levelNames = [...]string{"readonly", "fetch", "commit", "force", "unsafe"}

// catNames are the cosmetic display names enabled by display.cat_mode.
var catNames = [...]string{"napping", "purring", "hunting", "zoomies", "knocking-things-off-the-counter"}

func (l Level) String() string {
	if l < Readonly || l > Unsafe {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// CatName returns the cat-mode display name.
func (l Level) CatName() string {
	if l < Readonly || l > Unsafe {
		return l.String()
	}
	return catNames[l]
}

// Display renders the level, honoring cat mode.
func (l Level) Display(catMode bool) string {
	if catMode {
		return l.CatName()
	}
	return l.String()
}

// ParseLevel parses a difficulty name. Cat-mode names parse too, so a
// config written while cat_mode was on still loads.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	for i, name := range catNames {
		if s == name {
			return Level(i), nil
		}
	}
	return Readonly, fmt.Errorf("unknown difficulty level %q", s)
}

// Allows reports whether an operation requiring min runs at level l.
func (l Level) Allows(min Level) bool { return l >= min }
