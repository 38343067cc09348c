package delivery

import (
	"strings"
	"unicode/utf8"
)

const paragraphSep = "\n\n"

// Split breaks content on blank-line paragraph boundaries and greedily packs
// paragraphs into segments of at most limit runes. A paragraph longer than
// limit is cut into pieces first, preferring line breaks. Whitespace-only
// segments are dropped.
//
// When no paragraph needs cutting, strings.Join(segments, "\n\n") == content.
func Split(content string, limit int) []string {
	if limit <= 0 {
		return []string{content}
	}

	var (
		segments []string
		cur      strings.Builder
		curLen   int
		has      bool
	)
	flush := func() {
		if has {
			segments = append(segments, cur.String())
		}
		cur.Reset()
		curLen, has = 0, false
	}

	for _, para := range strings.Split(content, paragraphSep) {
		for _, piece := range cutRunes(para, limit) {
			n := utf8.RuneCountInString(piece)
			if has && curLen+n+len(paragraphSep) > limit {
				flush()
			}
			if has {
				cur.WriteString(paragraphSep)
				curLen += len(paragraphSep)
			}
			cur.WriteString(piece)
			curLen += n
			has = true
		}
	}
	flush()

	out := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// cutRunes splits s into pieces of at most limit runes, cutting after the last
// newline in the back half of a window when there is one.
func cutRunes(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var pieces []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= limit {
			pieces = append(pieces, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		pieces = append(pieces, string(runes[:cut]))
		runes = runes[cut:]
	}
	return pieces
}
