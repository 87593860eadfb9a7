package cache

import (
	"regexp"
	"strings"
)

// compileGlob turns a glob pattern ("*" wildcard) into a match predicate
// over keys. An empty pattern or a bare "*" matches everything.
func compileGlob(pattern string) func(string) bool {
	if pattern == "" || pattern == "*" {
		return func(string) bool { return true }
	}
	if !strings.Contains(pattern, "*") {
		return func(key string) bool { return key == pattern }
	}

	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	return re.MatchString
}
