package converter

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	baselineTolerance = 0.5
	wordGapRatio      = 0.3
	paragraphGapRatio = 1.6
	maxHeadingRunes   = 160
	shortLineRunes    = 80
)

// textLine is a run of glyphs sharing one baseline, in content-stream order.
type textLine struct {
	y     float64
	size  float64
	text  string
	runes int
}

// collectLines groups positioned glyphs into lines. Glyph order is kept as
// emitted by the content stream since widths are unreliable for fonts
// without a Widths array.
func collectLines(glyphs []pdf.Text) []textLine {
	var (
		lines   []textLine
		cur     *strings.Builder
		curLine textLine
		lastEnd float64
		lastRun rune
		open    bool
	)
	flush := func() {
		if !open {
			return
		}
		curLine.text = strings.TrimSpace(cur.String())
		curLine.runes = utf8.RuneCountInString(curLine.text)
		if curLine.text != "" {
			lines = append(lines, curLine)
		}
		open = false
	}

	for _, g := range glyphs {
		if g.S == "" || g.S == "\n" {
			continue
		}
		size := math.Abs(g.FontSize)
		if open {
			tol := baselineTolerance * math.Max(math.Max(size, curLine.size), 1)
			if math.Abs(g.Y-curLine.y) > tol {
				flush()
			}
		}
		first, _ := utf8.DecodeRuneInString(g.S)
		if !open {
			cur = &strings.Builder{}
			curLine = textLine{y: g.Y, size: size}
			open = true
		} else {
			gap := g.X - lastEnd
			if gap > wordGapRatio*math.Max(size, 1) && !unicode.IsSpace(lastRun) && !unicode.IsSpace(first) {
				cur.WriteByte(' ')
			}
			if size > curLine.size {
				curLine.size = size
			}
		}
		cur.WriteString(g.S)
		lastEnd = g.X + g.W
		lastRun, _ = utf8.DecodeLastRuneInString(g.S)
	}
	flush()
	return lines
}

// bodyFontSize returns the character-weighted mode of line font sizes,
// rounded to half points. Ties resolve to the smaller size.
func bodyFontSize(pages [][]textLine) float64 {
	counts := map[float64]int{}
	for _, lines := range pages {
		for _, ln := range lines {
			counts[math.Round(ln.size*2)/2] += ln.runes
		}
	}
	best, bestCount := 0.0, -1
	for size, n := range counts {
		if n > bestCount || (n == bestCount && size < best) {
			best, bestCount = size, n
		}
	}
	return best
}

func headingLevel(ln textLine, body float64) int {
	if body <= 0 || ln.runes > maxHeadingRunes {
		return 0
	}
	ratio := ln.size / body
	switch {
	case ratio >= 1.6:
		return 1
	case ratio >= 1.25:
		return 2
	case ratio >= 1.1 && ln.runes <= shortLineRunes:
		return 3
	}
	return 0
}

var bulletMarkers = []string{"•", "◦", "▪", "‣", "·", "- ", "* "}

func bulletItem(text string) (string, bool) {
	for _, m := range bulletMarkers {
		if strings.HasPrefix(text, m) {
			rest := strings.TrimSpace(strings.TrimPrefix(text, m))
			if rest == "" {
				return "", false
			}
			return rest, true
		}
	}
	return "", false
}

func joinParagraph(lines []string) string {
	var b strings.Builder
	for i, ln := range lines {
		if i == 0 {
			b.WriteString(ln)
			continue
		}
		prev := b.String()
		next, _ := utf8.DecodeRuneInString(ln)
		if strings.HasSuffix(prev, "-") && len(prev) > 1 && unicode.IsLower(next) {
			b.Reset()
			b.WriteString(strings.TrimSuffix(prev, "-"))
			b.WriteString(ln)
			continue
		}
		b.WriteByte(' ')
		b.WriteString(ln)
	}
	return b.String()
}

// renderLines turns one page of lines into markdown blocks.
func renderLines(lines []textLine, body float64) []string {
	var (
		blocks  []string
		para    []string
		prevY   float64
		hasPrev bool
	)
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, joinParagraph(para))
			para = nil
		}
	}

	for _, ln := range lines {
		if lvl := headingLevel(ln, body); lvl > 0 {
			flush()
			blocks = append(blocks, strings.Repeat("#", lvl)+" "+ln.text)
			hasPrev = false
			continue
		}
		if item, ok := bulletItem(ln.text); ok {
			flush()
			para = []string{"- " + item}
			prevY, hasPrev = ln.y, true
			continue
		}
		if hasPrev {
			gap := prevY - ln.y
			if gap < 0 || gap > paragraphGapRatio*math.Max(ln.size, body) {
				flush()
			}
		}
		para = append(para, ln.text)
		prevY, hasPrev = ln.y, true
	}
	flush()
	return blocks
}
