package textclean

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules configures the optional cleaning passes. The zero value runs only
// the minimum-invariant pass.
type Rules struct {
	CollapseWhitespace bool
	RemoveURLs         bool
	RemoveEmails       bool
}

var (
	controlBytes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	specialToken = regexp.MustCompile(`<\|([^|]*)\|>`)

	// Runs of 3+ newlines collapse to 2; runs of 2+ horizontal space
	// characters collapse to 1.
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(`[ \t\x{00A0}\x{3000}]{2,}`)

	rawURL   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	rawEmail = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// Markdown links and images are masked before URL stripping so the
	// protect pass can restore them intact.
	markdownLink = regexp.MustCompile(`!?\[[^\]]*\]\([^)]*\)`)
)

// Clean applies the minimum-invariant pass followed by the configured
// optional passes. It is deterministic: equal input and rules yield equal
// output.
func Clean(text string, rules Rules) string {
	out := Minimum(text)

	if rules.RemoveURLs || rules.RemoveEmails {
		out = stripURLsAndEmails(out, rules.RemoveURLs, rules.RemoveEmails)
	}
	if rules.CollapseWhitespace {
		out = newlineRuns.ReplaceAllString(out, "\n\n")
		out = spaceRuns.ReplaceAllString(out, " ")
	}
	return out
}

// Minimum is the pass every text goes through regardless of rules:
// control bytes, the U+FFFE non-character, and <|...|> token markers.
func Minimum(text string) string {
	out := controlBytes.ReplaceAllString(text, "")
	out = strings.ReplaceAll(out, "\uFFFE", "")
	out = specialToken.ReplaceAllString(out, "<$1>")
	return out
}

// stripURLsAndEmails removes raw URLs and emails while preserving
// markdown [text](url) and ![alt](url) constructs. Markdown spans are
// masked with placeholders, the strip runs, then the spans are restored.
func stripURLsAndEmails(text string, urls, emails bool) string {
	var masked []string
	out := markdownLink.ReplaceAllStringFunc(text, func(m string) string {
		masked = append(masked, m)
		return fmt.Sprintf("\x1a%d\x1a", len(masked)-1)
	})

	if urls {
		out = rawURL.ReplaceAllString(out, "")
	}
	if emails {
		out = rawEmail.ReplaceAllString(out, "")
	}

	for i, m := range masked {
		out = strings.Replace(out, fmt.Sprintf("\x1a%d\x1a", i), m, 1)
	}
	return out
}
