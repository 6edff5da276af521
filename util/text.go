package util

import (
	"strings"
	"unicode"
)

// NormalizeText folds monitoring-report text into a canonical matchable
// form: strip Excel-style `="..."` wrapping, lowercase, drop accents,
// and collapse anything outside [a-z0-9] into single spaces. Keyword
// matching always runs on normalized text so "Défaut Secteur" matches
// "defaut secteur".
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = StripExcelWrap(text)
	text = strings.ToLower(strings.TrimSpace(text))

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		r = foldRune(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace && b.Len() > 0 {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// StripExcelWrap removes the `="..."` wrapping some spreadsheet exports
// put around cell values, without further normalization.
func StripExcelWrap(text string) string {
	if strings.HasPrefix(text, `="`) && strings.HasSuffix(text, `"`) && len(text) > 3 {
		return strings.TrimSpace(text[2 : len(text)-1])
	}
	return strings.TrimSpace(text)
}

// foldRune maps accented latin letters onto their ASCII base letter.
// Covers the latin-1 and latin-extended ranges seen in monitoring
// exports; anything else falls through unchanged.
func foldRune(r rune) rune {
	if r < 0x80 {
		return r
	}
	switch {
	case r >= 'à' && r <= 'å', r == 'ā', r == 'ă', r == 'ą':
		return 'a'
	case r == 'ç', r == 'ć', r == 'č':
		return 'c'
	case r >= 'è' && r <= 'ë', r == 'ē', r == 'ė', r == 'ę', r == 'ě':
		return 'e'
	case r >= 'ì' && r <= 'ï', r == 'ī', r == 'į':
		return 'i'
	case r == 'ñ', r == 'ń', r == 'ň':
		return 'n'
	case r >= 'ò' && r <= 'ö', r == 'ø', r == 'ō', r == 'ő':
		return 'o'
	case r >= 'ù' && r <= 'ü', r == 'ū', r == 'ů', r == 'ű':
		return 'u'
	case r == 'ý', r == 'ÿ':
		return 'y'
	case r == 'š', r == 'ś':
		return 's'
	case r == 'ž', r == 'ź', r == 'ż':
		return 'z'
	case unicode.IsUpper(r):
		return foldRune(unicode.ToLower(r))
	}
	return r
}
