package paths

import (
	"path"
	"strings"
)

// MatchGlob checks if a slash separated path matches a glob pattern.
// Supports *, ?, [...] and ** (zero or more whole segments).
func MatchGlob(pattern, p string) bool {
	if strings.Contains(pattern, "**") {
		return matchParts(SplitPath(pattern), SplitPath(p))
	}

	matched, err := path.Match(pattern, p)
	if err != nil {
		return false
	}
	return matched
}

func matchParts(patternParts, pathParts []string) bool {
	if len(patternParts) == 0 {
		return len(pathParts) == 0
	}

	if len(pathParts) == 0 {
		for _, p := range patternParts {
			if p != "**" {
				return false
			}
		}
		return true
	}

	pattern := patternParts[0]
	if pattern == "**" {
		// skip the ** or let it swallow one more segment
		return matchParts(patternParts[1:], pathParts) ||
			matchParts(patternParts, pathParts[1:])
	}

	matched, err := path.Match(pattern, pathParts[0])
	if err != nil || !matched {
		return false
	}

	return matchParts(patternParts[1:], pathParts[1:])
}

// IsGlobPattern checks if a string contains glob characters
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// ValidateGlob reports a malformed pattern
func ValidateGlob(pattern string) error {
	for _, part := range SplitPath(pattern) {
		if part == "**" {
			continue
		}
		if _, err := path.Match(part, ""); err != nil {
			return err
		}
	}
	return nil
}
