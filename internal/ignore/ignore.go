// Package ignore implements a gitignore-style matcher used by the
// file-sync poller to decide which local paths to leave alone. Rules
// are evaluated in declaration order with last-match-wins semantics,
// same as git itself.
package ignore

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns are always ignored regardless of a sync root's
// .hqignore contents: secrets and VCS/build noise that should never
// round-trip through the object store.
var DefaultPatterns = []string{
	".env",
	".env.*",
	"*.secret",
	"credentials/",
	"node_modules/",
	".git/",
	"dist/",
	".DS_Store",
	"Thumbs.db",
	".hq-sync.pid",
	".hq-sync.log",
}

// Rule is one parsed line of an ignore file.
type Rule struct {
	raw       string
	pattern   string
	negate    bool
	dirOnly   bool
	anchored  bool // pattern contained a "/" before its final segment
}

// Matcher evaluates a path against an ordered set of Rules.
type Matcher struct {
	rules []Rule
}

// Parse builds a Matcher from ignore-file lines (in the .hqignore
// format): blank lines and lines starting with "#" are skipped, a leading
// "!" negates the rule, a trailing "/" restricts it to directories, and
// a leading "/" (or any embedded, non-trailing "/") anchors the pattern
// to the root instead of matching at any depth.
func Parse(lines []string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		line = strings.ReplaceAll(line, "\\", "/")
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" || strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
			continue
		}

		r := Rule{raw: trimmed}
		if strings.HasPrefix(trimmed, "!") {
			r.negate = true
			trimmed = trimmed[1:]
		}
		if strings.HasSuffix(trimmed, "/") {
			r.dirOnly = true
			trimmed = strings.TrimSuffix(trimmed, "/")
		}
		if strings.HasPrefix(trimmed, "/") {
			r.anchored = true
			trimmed = strings.TrimPrefix(trimmed, "/")
		} else if strings.Contains(trimmed, "/") {
			r.anchored = true
		}
		r.pattern = trimmed
		if r.pattern == "" {
			continue
		}
		m.rules = append(m.rules, r)
	}
	return m
}

// Match reports whether relativePath (slash-separated, relative to the
// sync root, no leading slash) is ignored. isDir tells the matcher
// whether the path names a directory, for dirOnly rules.
func (m *Matcher) Match(relativePath string, isDir bool) bool {
	relativePath = strings.TrimPrefix(relativePath, "/")
	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			if m.matchesAsAncestorDir(r, relativePath) {
				ignored = !r.negate
			}
			continue
		}
		if r.matches(relativePath) {
			ignored = !r.negate
		}
	}
	return ignored
}

// matchesAsAncestorDir lets a dirOnly rule ignore files nested under an
// ignored directory, since the poller walks full relative file paths
// rather than directories.
func (m *Matcher) matchesAsAncestorDir(r Rule, relativePath string) bool {
	segments := strings.Split(relativePath, "/")
	for i := range segments {
		if i == len(segments)-1 {
			break // the final segment is the file itself, not an ancestor dir
		}
		ancestor := strings.Join(segments[:i+1], "/")
		if r.matches(ancestor) {
			return true
		}
	}
	return false
}

func (r Rule) matches(relativePath string) bool {
	if r.anchored {
		return globMatch(r.pattern, relativePath)
	}
	// Unanchored patterns match the basename at any depth, or the full
	// path if the pattern itself contains no slash-sensitive wildcard.
	if globMatch(r.pattern, relativePath) {
		return true
	}
	base := relativePath
	if idx := strings.LastIndex(relativePath, "/"); idx >= 0 {
		base = relativePath[idx+1:]
	}
	return globMatch(r.pattern, base)
}

// globMatch applies gitignore's "*" does-not-cross-"/" rule via
// doublestar, which already implements "**" as the cross-slash wildcard.
func globMatch(pattern, s string) bool {
	ok, err := doublestar.Match(pattern, s)
	return err == nil && ok
}
