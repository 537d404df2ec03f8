// Package link validates, normalizes and fingerprints user-submitted share
// links.
package link

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// IsValid reports whether s looks like a share link: an http(s) URL whose
// path contains /s/ or whose query carries surl=.
func IsValid(s string) bool {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.Contains(s, "/s/") || strings.Contains(s, "?surl=")
}

// Normalize trims surrounding space and trailing slashes and lower-cases the
// link. Two links with the same normalized form share one delivery record.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	return strings.ToLower(s)
}

// Hash is the hex SHA-256 of the normalized link.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Extract returns the first valid share link in text, if any.
func Extract(text string) (string, bool) {
	for _, cand := range urlPattern.FindAllString(text, -1) {
		cand = strings.TrimRight(cand, ".,;)")
		if IsValid(cand) {
			return cand, true
		}
	}
	return "", false
}

// ContainsURL reports whether text has anything that looks like a URL, valid
// or not. Intake uses it to tell "bad link" apart from chatter.
func ContainsURL(text string) bool {
	return urlPattern.MatchString(text)
}
