package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplit_PacksParagraphsGreedily(t *testing.T) {
	a := strings.Repeat("a", 10)
	b := strings.Repeat("b", 10)
	c := strings.Repeat("c", 10)

	// a+b fit in 22 (10+2+10); adding c would need 34.
	got := Split(a+"\n\n"+b+"\n\n"+c, 22)
	assert.Equal(t, []string{a + "\n\n" + b, c}, got)

	// Budget one short of a+b forces every paragraph into its own segment.
	got = Split(a+"\n\n"+b+"\n\n"+c, 21)
	assert.Equal(t, []string{a, b, c}, got)
}

func TestSplit_ShortContentSingleSegment(t *testing.T) {
	assert.Equal(t, []string{"hello\n\nworld"}, Split("hello\n\nworld", 1800))
}

func TestSplit_OversizedParagraphIsCut(t *testing.T) {
	para := strings.Repeat("长", 4000)
	got := Split(para, 1800)
	assert.Len(t, got, 3)
	for _, s := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(s), 1800)
	}
	assert.Equal(t, para, strings.Join(got, ""))
}

func TestSplit_CutPrefersNewline(t *testing.T) {
	para := strings.Repeat("x", 15) + "\n" + strings.Repeat("y", 15)
	got := Split(para, 20)
	assert.Equal(t, []string{strings.Repeat("x", 15) + "\n", strings.Repeat("y", 15)}, got)
}

func TestSplit_DropsBlankSegments(t *testing.T) {
	got := Split("\n\n\n\n"+strings.Repeat("z", 5), 3)
	for _, s := range got {
		assert.NotEmpty(t, strings.TrimSpace(s))
	}
}

func TestSplit_PreservesParagraphBoundaries(t *testing.T) {
	var paras []string
	for i := 0; i < 200; i++ {
		paras = append(paras, strings.Repeat("p", 1+(i*53)%700))
	}
	content := strings.Join(paras, "\n\n")
	got := Split(content, 1800)
	for _, s := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(s), 1800)
	}
	assert.Equal(t, content, strings.Join(got, "\n\n"))
}
