package worker

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentence is one translatable unit of a markdown document. Headings are
// kept whole; paragraphs are split at sentence terminators.
type sentence struct {
	Paragraph int
	Index     int
	Text      string
}

// normalizeMarkdown converts line endings to LF, strips a BOM and trailing
// whitespace, and collapses runs of blank lines.
func normalizeMarkdown(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
			if blank > 0 {
				b.WriteString("\n")
			}
		}
		blank = 0
		b.WriteString(line)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// paragraphs returns the non-empty blank-line separated blocks of text.
func paragraphs(text string) []string {
	text = string(normalizeMarkdown([]byte(text)))
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

func splitSentences(text string) []sentence {
	var out []sentence
	for p, block := range paragraphs(text) {
		var parts []string
		if strings.HasPrefix(block, "#") {
			parts = []string{block}
		} else {
			parts = splitBlock(strings.Join(strings.Fields(block), " "))
		}
		for _, s := range parts {
			out = append(out, sentence{Paragraph: p + 1, Index: len(out) + 1, Text: s})
		}
	}
	return out
}

func splitBlock(block string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(block); {
		r, size := utf8.DecodeRuneInString(block[i:])
		i += size
		switch r {
		case '。', '！', '？':
		case '.', '!', '?':
			for i < len(block) {
				next, n := utf8.DecodeRuneInString(block[i:])
				if !strings.ContainsRune(`.!?"')”’»`, next) {
					break
				}
				i += n
			}
			if i < len(block) {
				next, _ := utf8.DecodeRuneInString(block[i:])
				if !unicode.IsSpace(next) {
					continue
				}
			}
		default:
			continue
		}
		if s := strings.TrimSpace(block[start:i]); s != "" {
			out = append(out, s)
		}
		start = i
	}
	if s := strings.TrimSpace(block[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
