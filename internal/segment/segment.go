// Package segment splits long input text into bounded clips for synthesis.
//
// Text is normalized first, cut at sentence boundaries and greedily packed
// back together so that each clip stays within MaxLength runes. A sentence
// that alone exceeds the bound is cut at clause punctuation, then at word
// boundaries, and as a last resort inside a word.
package segment

import (
	"iter"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength is the clip bound used when none is configured.
const DefaultMaxLength = 300

var (
	blankLines = regexp.MustCompile(`\n\s*\n+`)
	whitespace = regexp.MustCompile(`\s+`)
	punctOnly  = regexp.MustCompile(`^[\s.,;:!?"'\-]*$`)
	quoteMarks = strings.NewReplacer("“", `"`, "”", `"`, "„", `"`)

	// titles never end a sentence
	titles = map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true,
	}

	// abbreviated only continue a sentence when the next word does not
	// start with an uppercase letter ("No. 5", "etc. and", "vs. them").
	abbreviated = map[string]bool{
		"st": true, "vs": true, "etc": true, "e.g": true, "i.e": true,
		"inc": true, "ltd": true, "co": true, "no": true, "vol": true,
		"fig": true,
	}
)

// Segmenter is safe for concurrent use; it holds no mutable state.
type Segmenter struct {
	MaxLength int
}

func New(maxLength int) *Segmenter {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Segmenter{MaxLength: maxLength}
}

// Split returns every clip of text in reading order.
func (s *Segmenter) Split(text string) []string {
	var clips []string
	for clip := range s.Clips(text) {
		clips = append(clips, clip)
	}
	return clips
}

// Clips lazily yields the clips of text in reading order.
func (s *Segmenter) Clips(text string) iter.Seq[string] {
	limit := s.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	return func(yield func(string) bool) {
		var current strings.Builder
		currentLen := 0
		flush := func() bool {
			clip := strings.TrimSpace(current.String())
			current.Reset()
			currentLen = 0
			if clip == "" || punctOnly.MatchString(clip) {
				return true
			}
			return yield(clip)
		}
		for _, sentence := range sentences(Normalize(text)) {
			for _, unit := range fit(sentence, limit) {
				unitLen := utf8.RuneCountInString(unit)
				if currentLen > 0 && currentLen+1+unitLen > limit {
					if !flush() {
						return
					}
				}
				if currentLen > 0 {
					current.WriteByte(' ')
					currentLen++
				}
				current.WriteString(unit)
				currentLen += unitLen
			}
		}
		if currentLen > 0 {
			flush()
		}
	}
}

// Normalize applies NFC, maps typographic double quotes to ASCII and
// collapses all whitespace runs to a single space.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = blankLines.ReplaceAllString(text, "\n")
	text = quoteMarks.Replace(text)
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// sentences cuts normalized text after sentence terminators. Terminators
// inside a double-quoted span only count when they close the quote.
func sentences(text string) []string {
	rs := []rune(text)
	var out []string
	start := 0
	inQuote := false
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if r == '"' {
			inQuote = !inQuote
			if !inQuote && i > 0 && isTerminator(rs[i-1]) && atBreak(rs, i+1) {
				out = append(out, string(rs[start:i+1]))
				start = i + 1
			}
			continue
		}
		if inQuote || !isTerminator(r) {
			continue
		}
		end := i
		for end+1 < len(rs) && isTerminator(rs[end+1]) {
			end++
		}
		if !atBreak(rs, end+1) {
			i = end
			continue
		}
		if r == '.' && end == i && isAbbreviation(rs[start:i], rs[end+1:]) {
			continue
		}
		out = append(out, string(rs[start:end+1]))
		start = end + 1
		i = end
	}
	if start < len(rs) {
		out = append(out, string(rs[start:]))
	}
	trimmed := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

// fit returns sentence unchanged when it fits. Otherwise it returns the
// sentence's clauses, with any clause that alone exceeds limit broken into
// its words so the caller can pack them into the clip already open.
func fit(sentence string, limit int) []string {
	if utf8.RuneCountInString(sentence) <= limit {
		return []string{sentence}
	}
	var out []string
	for _, clause := range clauses(sentence) {
		if utf8.RuneCountInString(clause) <= limit {
			out = append(out, clause)
			continue
		}
		out = append(out, words(clause, limit)...)
	}
	return out
}

func clauses(sentence string) []string {
	rs := []rune(sentence)
	var out []string
	start := 0
	for i, r := range rs {
		if (r == ',' || r == ';' || r == ':') && atBreak(rs, i+1) {
			if piece := strings.TrimSpace(string(rs[start : i+1])); piece != "" {
				out = append(out, piece)
			}
			start = i + 1
		}
	}
	if piece := strings.TrimSpace(string(rs[start:])); piece != "" {
		out = append(out, piece)
	}
	return out
}

// words returns the words of clause, cutting any word longer than limit
// into limit-sized chunks.
func words(clause string, limit int) []string {
	var out []string
	for _, word := range strings.Fields(clause) {
		w := []rune(word)
		for len(w) > limit {
			out = append(out, string(w[:limit]))
			w = w[limit:]
		}
		out = append(out, string(w))
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func atBreak(rs []rune, i int) bool {
	return i >= len(rs) || unicode.IsSpace(rs[i])
}

func isAbbreviation(before, after []rune) bool {
	fields := strings.Fields(string(before))
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(strings.Trim(fields[len(fields)-1], `"'(`))
	if titles[last] {
		return true
	}
	return abbreviated[last] && !startsUpper(after)
}

// startsUpper reports whether the first letter or digit after leading
// spaces and quotes is an uppercase letter. End of text counts as upper.
func startsUpper(rs []rune) bool {
	for _, r := range rs {
		if unicode.IsSpace(r) || r == '"' || r == '\'' || r == '(' {
			continue
		}
		return unicode.IsUpper(r)
	}
	return true
}
