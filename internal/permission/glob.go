package permission

import "strings"

// MatchGlob reports whether name matches pattern. Only '*' is special and
// matches any run of characters, including the empty run. Every other byte,
// including '.', '(', ')', '+', '?', '[', ']', '^' and '$', is literal.
func MatchGlob(pattern, name string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == name
	}

	if !strings.HasPrefix(name, segments[0]) {
		return false
	}
	rest := name[len(segments[0]):]

	last := segments[len(segments)-1]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}

	return strings.HasSuffix(rest, last)
}
