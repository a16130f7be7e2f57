package domain

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTitle is the single key normalization shared by every cache:
// NFC, lower case, runs of whitespace collapsed to one space.
func NormalizeTitle(title string) string {
	title = norm.NFC.String(title)
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// PosterKey is the poster cache key for a title.
func PosterKey(kind MediaKind, title string) string {
	return kind.PosterKind() + ":" + NormalizeTitle(title)
}
