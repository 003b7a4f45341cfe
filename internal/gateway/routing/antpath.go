package routing

import "strings"

// MatchPath reports whether path matches the ant-style pattern. Empty segments and
// trailing slashes are ignored. Within a segment
// `?` matches one character and `*` any run of characters; a `**` segment matches
// zero or more whole segments; a `{name}` segment matches exactly one segment.
func MatchPath(pattern, path string) bool {
	_, ok := MatchPathVars(pattern, path)
	return ok
}

// MatchPathVars is MatchPath that also returns the values bound to `{name}` segments.
func MatchPathVars(pattern, path string) (map[string]string, bool) {
	vars := map[string]string{}
	if !matchSegments(splitPath(pattern), splitPath(path), vars) {
		return nil, false
	}
	return vars, true
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func matchSegments(pattern, path []string, vars map[string]string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(path); i++ {
				if matchSegments(rest, path[i:], vars) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		if name, ok := variable(head); ok {
			vars[name] = path[0]
		} else if !matchSegment(head, path[0]) {
			return false
		}
		pattern, path = pattern[1:], path[1:]
	}
	return len(path) == 0
}

func variable(segment string) (string, bool) {
	if len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}' {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}

// matchSegment matches one segment against a pattern containing `*` and `?`.
func matchSegment(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case starPx >= 0:
			px = starPx + 1
			starSx++
			sx = starSx
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
