package lore

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// NormalizeURL standardizes a URL so the same page never appears twice.
// It lowercases the scheme and host, removes default ports, drops the
// fragment and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// MatchesPattern reports whether the URL matches one exclusion pattern.
// Patterns delimited by slashes ("/…/") are regular expressions; anything
// else is a case-insensitive substring match. A regex that fails to compile
// falls back to substring matching on its raw text.
func MatchesPattern(rawURL, pattern string) bool {
	if pattern == "" {
		return false
	}
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		expr := pattern[1 : len(pattern)-1]
		if re, err := regexp.Compile(expr); err == nil {
			return re.MatchString(rawURL)
		}
	}
	return strings.Contains(strings.ToLower(rawURL), strings.ToLower(pattern))
}

// MatchesAnyPattern reports whether the URL matches any exclusion pattern.
func MatchesAnyPattern(rawURL string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesPattern(rawURL, p) {
			return true
		}
	}
	return false
}
