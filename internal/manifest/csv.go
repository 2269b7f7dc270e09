package manifest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitRow splits one CSV line into values. Fields may be bare, single quoted
// or double quoted. Inside quotes a backslash escapes the next character and
// an escaped quote of the enclosing kind is unescaped; other escapes are kept
// verbatim. Bare fields may not contain quotes or backslashes. ok is false
// when the line does not follow that grammar.
func splitRow(line string) (values []string, ok bool) {
	pos := skipSpace(line, 0)
	if pos == len(line) {
		return nil, true
	}

	for {
		pos = skipSpace(line, pos)
		if pos == len(line) {
			// reached only after a trailing comma
			return append(values, ""), true
		}

		var value string
		switch q := line[pos]; q {
		case '\'', '"':
			var closed bool
			value, pos, closed = readQuoted(line, pos+1, q)
			if !closed {
				return nil, false
			}
		default:
			end := strings.IndexByte(line[pos:], ',')
			if end < 0 {
				end = len(line)
			} else {
				end += pos
			}
			raw := line[pos:end]
			if strings.ContainsAny(raw, `'"\`) {
				return nil, false
			}
			value = strings.TrimRightFunc(raw, unicode.IsSpace)
			pos = end
		}
		values = append(values, value)

		pos = skipSpace(line, pos)
		if pos == len(line) {
			return values, true
		}
		if line[pos] != ',' {
			return nil, false
		}
		pos++
	}
}

func readQuoted(line string, pos int, quote byte) (string, int, bool) {
	var b strings.Builder
	for pos < len(line) {
		c := line[pos]
		switch {
		case c == '\\':
			if pos+1 >= len(line) {
				return "", pos, false
			}
			_, size := utf8.DecodeRuneInString(line[pos+1:])
			if line[pos+1] == quote {
				b.WriteByte(quote)
			} else {
				b.WriteString(line[pos : pos+1+size])
			}
			pos += 1 + size
		case c == quote:
			return b.String(), pos + 1, true
		default:
			b.WriteByte(c)
			pos++
		}
	}
	return "", pos, false
}

func skipSpace(s string, pos int) int {
	for pos < len(s) {
		r, size := utf8.DecodeRuneInString(s[pos:])
		if !unicode.IsSpace(r) {
			break
		}
		pos += size
	}
	return pos
}
