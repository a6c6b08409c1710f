// Package normalize rewrites artifact filenames into a canonical,
// collision-free form and removes files that match exclusion keywords.
package normalize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fallback is used when nothing of the original base name survives.
const Fallback = "untitled"

// NamerConfig configures canonical name computation.
type NamerConfig struct {
	// RemovePhrases are literal phrases removed case-insensitively.
	RemovePhrases []string
	// ASCIIOnly restricts names to [A-Za-z0-9 _-].
	ASCIIOnly bool
	// KeepChars lists extra characters that survive sanitizing, e.g. "()&".
	KeepChars string
	// StripScripts names Unicode scripts removed entirely, e.g. "Devanagari".
	StripScripts []string
}

// Namer computes canonical filenames. It is safe for concurrent use.
type Namer struct {
	phrases   *regexp.Regexp
	asciiOnly bool
	keep      string
	strip     []*unicode.RangeTable
}

// NewNamer compiles cfg into a Namer.
func NewNamer(cfg NamerConfig) (*Namer, error) {
	n := &Namer{asciiOnly: cfg.ASCIIOnly, keep: cfg.KeepChars}

	phrases := make([]string, 0, len(cfg.RemovePhrases))
	for _, p := range cfg.RemovePhrases {
		if strings.TrimSpace(p) != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) > 0 {
		// Longer phrases first so "(a.s.)" wins over "a.s".
		slices.SortStableFunc(phrases, func(a, b string) int { return len(b) - len(a) })
		quoted := make([]string, len(phrases))
		for i, p := range phrases {
			quoted[i] = regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile("(?i)(?:" + strings.Join(quoted, "|") + ")")
		if err != nil {
			return nil, fmt.Errorf("compile remove phrases: %w", err)
		}
		n.phrases = re
	}

	for _, name := range cfg.StripScripts {
		table, ok := unicode.Scripts[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown unicode script %q", name)
		}
		n.strip = append(n.strip, table)
	}
	return n, nil
}

// Canonical returns the canonical form of filename: the base name cleaned
// and the original extension re-attached. Canonical(Canonical(f)) == Canonical(f).
func (n *Namer) Canonical(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return n.CanonicalBase(base) + ext
}

// CanonicalBase cleans a name without extension. Passes repeat until the
// name stops changing; every changing pass removes at least one non-space
// rune, so the loop ends within len(base)+1 passes.
func (n *Namer) CanonicalBase(base string) string {
	out := base
	for limit := utf8.RuneCountInString(base) + 1; limit >= 0; limit-- {
		next := n.pass(out)
		if next == out {
			break
		}
		out = next
	}
	if out == "" {
		return Fallback
	}
	return out
}

func (n *Namer) pass(s string) string {
	s = trimLeadingPunct(s)
	if n.phrases != nil {
		s = n.phrases.ReplaceAllLiteralString(s, " ")
	}
	s = strings.Map(func(r rune) rune {
		if n.allowed(r) {
			return r
		}
		return ' '
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return trimLeadingPunct(s)
}

func (n *Namer) allowed(r rune) bool {
	if strings.ContainsRune(n.keep, r) {
		return true
	}
	for _, table := range n.strip {
		if unicode.Is(table, r) {
			return false
		}
	}
	switch {
	case r == ' ' || r == '_' || r == '-':
		return true
	case n.asciiOnly:
		return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
	default:
		return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
	}
}

func trimLeadingPunct(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || unicode.IsSpace(r)
	})
}
