package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// builtinRules hide files glr itself leaves in a data directory while it
// works: the ignore file, in-flight atomic writes and restore rollback copies.
// They are applied before any caller pattern and can be re-included with "!".
var builtinRules = []string{
	IgnoreFileName,
	".tmp-*",
	"*.rollback_*",
}

type rule struct {
	pattern string
	// anchored rules contain '/' and match the whole relative path;
	// the rest match the basename at any depth.
	anchored bool
	negate   bool
}

func (r rule) matches(rel, base string) bool {
	subject := base
	if r.anchored {
		subject = rel
	}
	ok, err := path.Match(r.pattern, subject)
	// Malformed patterns never match.
	return err == nil && ok
}

// IgnoreMatcher decides which files under a data or document root are left
// out of archives and reindexing. Rules are evaluated in order and the last
// matching rule wins, so "!keep.tmp" after "*.tmp" re-includes one file.
type IgnoreMatcher struct {
	rules []rule
}

// NewIgnoreMatcher builds a matcher from the built-in rules followed by
// patterns. Blank lines and '#' comments are skipped; a leading or trailing
// '/' is dropped, so "cache/" and "/cache" both name the cache directory.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range builtinRules {
		m.add(raw)
	}
	for _, raw := range patterns {
		m.add(raw)
	}
	return m
}

func (m *IgnoreMatcher) add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return
	}
	r := rule{}
	if strings.HasPrefix(raw, "!") {
		r.negate = true
		raw = raw[1:]
	}
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return
	}
	r.pattern = raw
	r.anchored = strings.Contains(raw, "/")
	m.rules = append(m.rules, r)
}

// Match reports whether relativePath is ignored. The path may use either
// separator and is relative to the walked root.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	rel := filepath.ToSlash(relativePath)
	if rel == "" {
		return false
	}
	base := path.Base(rel)

	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, base) {
			ignored = !r.negate
		}
	}
	return ignored
}

// ParseIgnoreFile returns the raw lines of a .glrignore file, or nil when
// the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
