package query

// MatchLike reports whether value matches a LIKE pattern supporting '%'
// (zero-or-more characters) and '_' (exactly one), with no escape
// character in this version (spec.md §4.9).
func MatchLike(pattern, value string) bool {
	return matchLike([]rune(pattern), []rune(value))
}

func matchLike(pattern, value []rune) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	switch pattern[0] {
	case '%':
		if matchLike(pattern[1:], value) {
			return true
		}
		for len(value) > 0 {
			value = value[1:]
			if matchLike(pattern[1:], value) {
				return true
			}
		}
		return false
	case '_':
		if len(value) == 0 {
			return false
		}
		return matchLike(pattern[1:], value[1:])
	default:
		if len(value) == 0 || value[0] != pattern[0] {
			return false
		}
		return matchLike(pattern[1:], value[1:])
	}
}
