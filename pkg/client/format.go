package client

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// FormatTimestamp renders t in local time with layout, falling back to
// HH:MM. Messages from another day also show the date.
func FormatTimestamp(t time.Time, layout string, now time.Time) string {
	if layout == "" {
		layout = "15:04"
	}
	t = t.Local()
	now = now.Local()
	if t.YearDay() != now.YearDay() || t.Year() != now.Year() {
		return t.Format("Jan 2 " + layout)
	}
	return t.Format(layout)
}

// FormatRelativeTime formats a time as "5m ago", "2h ago", etc.
func FormatRelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Truncate shortens s to at most maxRunes runes, ending with "..." when cut.
func Truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(r[:maxRunes])
	}
	return string(r[:maxRunes-3]) + "..."
}

// Mentions reports whether text contains @username as a whole word,
// ignoring case.
func Mentions(text, username string) bool {
	if username == "" {
		return false
	}
	needle := "@" + strings.ToLower(username)
	lower := strings.ToLower(text)

	for i := 0; ; {
		idx := strings.Index(lower[i:], needle)
		if idx < 0 {
			return false
		}
		end := i + idx + len(needle)
		next, _ := utf8.DecodeRuneInString(lower[end:])
		if end == len(lower) || !isNameRune(next) {
			return true
		}
		i = end
	}
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}
