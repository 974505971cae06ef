// Package thread separates the newly written part of a message body from the
// quoted conversation below it.
package thread

import (
	"regexp"
	"strings"
)

type quotePattern struct {
	name string
	re   *regexp.Regexp
}

// Patterns that introduce quoted or forwarded content. Order does not decide
// the split; the earliest match in the body does.
var quotePatterns = []quotePattern{
	// "On 3 Jan, Sam wrote:", possibly wrapped onto a second line.
	{name: "attribution", re: regexp.MustCompile(`(?im)^[ \t]*On[ \t][^\n]*(?:\n[^\n]*)?wrote:[ \t]*$`)},
	// Outlook style header block.
	{name: "header-block", re: regexp.MustCompile(`(?im)^[ \t]*From:[^\n]*\n[ \t]*(?:Sent|Date):[^\n]*\n[ \t]*To:[^\n]*$`)},
	{name: "original-message", re: regexp.MustCompile(`(?im)^[ \t]*-{3,}[ \t]*(?:Original|Forwarded) Message`)},
	{name: "underscore-rule", re: regexp.MustCompile(`(?m)^[ \t]*_{5,}[ \t]*$`)},
	{name: "dash-rule", re: regexp.MustCompile(`(?m)^[ \t]*-{5,}[ \t]*$`)},
}

// Marker is the position where quoted content starts.
type Marker struct {
	Offset  int
	Pattern string
}

// Locate returns the earliest quote marker in a normalised body.
func Locate(body string) (Marker, bool) {
	best := Marker{Offset: -1}
	for _, p := range quotePatterns {
		loc := p.re.FindStringIndex(body)
		if loc == nil {
			continue
		}
		if best.Offset < 0 || loc[0] < best.Offset {
			best = Marker{Offset: loc[0], Pattern: p.name}
		}
	}
	return best, best.Offset >= 0
}

// Split returns the new content of body and the quoted remainder, both
// trimmed. Without a quote marker the whole body is new content.
func Split(body string) (newContent, quoted string) {
	body = Normalize(body)
	if strings.TrimSpace(body) == "" {
		return "", ""
	}

	m, ok := Locate(body)
	if !ok {
		return strings.TrimSpace(body), ""
	}
	return strings.TrimSpace(body[:m.Offset]), strings.TrimSpace(body[m.Offset:])
}

// Normalize converts CRLF and lone CR line endings to LF.
func Normalize(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(body, "\r", "\n")
}
