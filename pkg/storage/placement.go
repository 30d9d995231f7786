package storage

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxSegmentRunes = 120

// Placement describes where a finished file belongs relative to the target.
type Placement struct {
	Status   string
	Author   string
	Title    string
	Filename string
}

// RelPath returns the slash-separated destination: <author>/<title><ext>
// for processed files and _<status>/<filename> for everything else.
func (p Placement) RelPath() string {
	ext := path.Ext(p.Filename)
	if p.Status == "processed" && strings.TrimSpace(p.Title) != "" && strings.TrimSpace(p.Author) != "" {
		return sanitize(p.Author, "unknown") + "/" + sanitize(p.Title, "untitled") + strings.ToLower(ext)
	}
	status := sanitize(p.Status, "unknown")
	return "_" + status + "/" + sanitize(p.Filename, "file"+ext)
}

func sanitize(value, fallback string) string {
	value = norm.NFC.String(strings.TrimSpace(value))
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
	)
	value = replacer.Replace(value)
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	value = strings.Join(strings.Fields(value), " ")
	value = strings.Trim(value, " .")
	if runes := []rune(value); len(runes) > maxSegmentRunes {
		value = strings.TrimSpace(string(runes[:maxSegmentRunes]))
	}
	if value == "" {
		return fallback
	}
	return value
}
