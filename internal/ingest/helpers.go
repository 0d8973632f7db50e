package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPlaceholder replaces characters outside printable ASCII.
const DefaultPlaceholder = '?'

// normalizeSpace collapses runs of whitespace into one space and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeText cuts value to maxLength characters, then replaces every
// character outside 0x20-0x7E with placeholder. An invalid UTF-8 byte counts as
// one character. maxLength <= 0 disables truncation.
func SanitizeText(value string, maxLength int, placeholder byte) string {
	if value == "" {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))

	n := 0
	for i := 0; i < len(value); {
		if maxLength > 0 && n >= maxLength {
			break
		}
		r, size := utf8.DecodeRuneInString(value[i:])
		i += size
		n++
		if size == 1 && r >= 0x20 && r <= 0x7e {
			b.WriteByte(byte(r))
			continue
		}
		b.WriteByte(placeholder)
	}
	return b.String()
}

// HTMLToText converts HTML to plain text, collapsing whitespace. Input without
// markup is returned with whitespace collapsed.
func HTMLToText(html string) string {
	if !strings.Contains(html, "<") {
		return normalizeSpace(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return normalizeSpace(html) // keep the raw text rather than lose it
	}
	doc.Find("br, p, div, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return normalizeSpace(doc.Text())
}
