package attachment

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultFilename replaces names that sanitise to nothing.
const DefaultFilename = "attachment"

const maxFilenameBytes = 200

// SanitizeFilename reduces a sender supplied attachment name to a single
// path element that is valid on Windows, macOS and Linux.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}

	name = strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"|?*/\`, r):
			return '_'
		}
		return r
	}, name)

	name = strings.Trim(name, " .")
	name = limitLength(name, maxFilenameBytes)
	if name == "" {
		return DefaultFilename
	}
	return name
}

// limitLength truncates the stem of name so the result fits into max bytes
// while keeping the extension.
func limitLength(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= max {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	budget := max - len(ext)
	for len(stem) > budget {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + ext
}
