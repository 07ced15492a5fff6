package threat

import (
	"html"
	"strings"
	"unicode/utf8"
)

// normalize caps the input before decoding so a crafted value cannot expand into
// something large, then URL-decodes (twice at most) and HTML-entity-decodes it.
func normalize(s string, maxBytes int) string {
	if maxBytes > 0 && len(s) > maxBytes {
		s = trimPartialEscape(truncateBytes(s, maxBytes))
	}
	for i := 0; i < 2 && strings.ContainsRune(s, '%'); i++ {
		dec := percentDecode(s)
		if dec == s {
			break
		}
		s = dec
	}
	if strings.ContainsRune(s, '&') {
		s = html.UnescapeString(s)
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return truncateBytes(s, maxBytes)
}

// percentDecode decodes every valid %XX escape and leaves malformed ones in place, so a stray
// "%zz" cannot switch decoding off for the rest of the value.
func percentDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// trimPartialEscape drops a %X or % cut off by truncation.
func trimPartialEscape(s string) string {
	n := len(s)
	switch {
	case n >= 1 && s[n-1] == '%':
		return s[:n-1]
	case n >= 2 && s[n-2] == '%':
		return s[:n-2]
	}
	return s
}

// collapse lowercases and folds runs of whitespace so keyword checks are insensitive to spacing.
func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// excerpt returns up to limit bytes around [start,end) of s.
func excerpt(s string, start, end, limit int) string {
	if end-start >= limit {
		return truncateBytes(s[start:], limit)
	}
	pad := (limit - (end - start)) / 2
	from := start - pad
	if from < 0 {
		from = 0
	}
	to := from + limit
	if to > len(s) {
		to = len(s)
	}
	out := s[from:to]
	for len(out) > 0 && !utf8.ValidString(out) {
		out = out[:len(out)-1]
	}
	return out
}
