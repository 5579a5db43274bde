package detect

import "strings"

// BalanceBrackets attempts to repair a truncated JSON document by closing
// unterminated strings and appending the closing characters for any unmatched
// `{` and `[`. It handles payloads that are well-formed up to the point of
// truncation; it cannot fix corrupt interior structure.
//
// Returns ok=false when the input has nothing repairable: either it is
// already balanced or it contains an unmatched closer (which appending cannot
// fix).
func BalanceBrackets(s string) (string, bool) {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}

	if !inString && len(stack) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(s)
	if escaped {
		// A trailing lone backslash would escape the closing quote.
		b.WriteByte('\\')
	}
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}
