package engine

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxFilename = 55
	// a cut at "_" is preferred when one lies in the last cutWindow chars
	cutWindow        = 20
	reservedFilename = "file"
)

// letters without a decomposition to ASCII
var fold = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "TH",
	"ħ", "h", "Ħ", "H",
	"ı", "i",
)

// NormalizeFilename turns a title into a URL segment: ASCII, lower case,
// words joined by "_", at most 55 chars.
func NormalizeFilename(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(t, fold.Replace(s))
	if err != nil {
		ascii = s
	}
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(ascii) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			under = false
			continue
		}
		if !under && b.Len() > 0 {
			b.WriteByte('_')
			under = true
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if len(name) > maxFilename {
		name = name[:maxFilename]
		if i := strings.LastIndexByte(name, '_'); i >= maxFilename-cutWindow {
			name = name[:i]
		}
		name = strings.TrimRight(name, "_")
	}
	return name
}

// idSegment reports whether a URL segment addresses a child by id.
func idSegment(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

// UniqueFilename returns base, or base with the lowest numeric suffix
// starting at 1, that taken rejects. The reserved name "file" is never
// returned. A base that reads as an object id gets an "n" prefix, so a
// filename never shadows the id segment of a sibling.
func UniqueFilename(base string, taken func(string) (bool, error)) (string, error) {
	if _, ok := idSegment(base); ok {
		base = "n" + base
	}
	candidate := base
	for n := 1; ; n++ {
		if candidate != reservedFilename {
			used, err := taken(candidate)
			if err != nil {
				return "", err
			}
			if !used {
				return candidate, nil
			}
		}
		candidate = base + strconv.Itoa(n)
	}
}

// uniqueFilename disambiguates name among the siblings under parent, or in
// the whole root with globalFilenames.
func (a *Application) uniqueFilename(ctx context.Context, root string, parent int64, name string, exclude int64) (string, error) {
	scope := &parent
	if a.Conf.GlobalFilenames {
		scope = nil
	}
	return UniqueFilename(name, func(candidate string) (bool, error) {
		return a.Pool.FilenameTaken(ctx, root, scope, candidate, exclude)
	})
}
