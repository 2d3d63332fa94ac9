package deploy

import (
	"regexp"
	"strings"
)

// PlaceholderDomain is the sentinel URL the publisher reports before the real
// domain has been allocated. The synchronous deploy response and the log
// extraction path must both compare against this exact literal.
const PlaceholderDomain = "https://test.pages.dev"

// domainLine matches the publisher's success marker anywhere in a transcript,
// tolerating timestamps, progress bars and unicode decoration around it.
var domainLine = regexp.MustCompile(`Take a peek over at\s+(https://\S+)`)

// ExtractDomain scans a full deploy transcript (newline-joined ordered log
// lines) for the published-URL line. It returns the first matched URL with
// any trailing period stripped, and false when no such line exists.
func ExtractDomain(transcript string) (string, bool) {
	m := domainLine.FindStringSubmatch(transcript)
	if m == nil {
		return "", false
	}
	url := strings.TrimSpace(m[1])
	url = strings.TrimSuffix(url, ".")
	if url == "" {
		return "", false
	}
	return url, true
}

// IsPlaceholder reports whether domain is the not-yet-assigned sentinel.
func IsPlaceholder(domain string) bool {
	return domain == PlaceholderDomain
}
