// Package command implements the TS3 command sublanguage: the backslash
// escaping scheme for parameter values and the newline-terminated,
// pipe-separated, space-tokenized command grammar built on top of it.
package command

import "strings"

// escapePairs lists every TS3 escape pair; escapeByRaw and
// unescapeByEscaped are its two lookup directions. escape() maps each byte
// independently, so the order of the pairs does not matter.
var escapePairs = []struct{ raw, escaped byte }{
	{'\\', '\\'}, // \ -> \\
	{' ', 's'},   // space -> \s
	{'|', 'p'},   // | -> \p
	{'\n', 'n'},  // newline -> \n
	{'\r', 'r'},  // CR -> \r
	{'\t', 't'},  // tab -> \t
	{'/', '/'},   // / -> \/
}

var unescapeByEscaped = func() map[byte]byte {
	m := make(map[byte]byte, len(escapePairs))
	for _, p := range escapePairs {
		m[p.escaped] = p.raw
	}
	return m
}()

var escapeByRaw = func() map[byte]byte {
	m := make(map[byte]byte, len(escapePairs))
	for _, p := range escapePairs {
		m[p.raw] = p.escaped
	}
	return m
}()

// escape converts a raw parameter value into its wire representation.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if esc, ok := escapeByRaw[c]; ok {
			b.WriteByte('\\')
			b.WriteByte(esc)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// unescape is escape's inverse. An unrecognized escape sequence drops the
// backslash and keeps the following byte literally.
func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			if raw, ok := unescapeByEscaped[s[i]]; ok {
				b.WriteByte(raw)
			} else {
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
