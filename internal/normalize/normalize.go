// Package normalize canonicalizes user supplied identifiers and content
// before they are stored or compared.
package normalize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Handle lower-cases a user handle and strips a leading '@'.
func Handle(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "@")
}

// Content strips markup from a message body and trims surrounding
// whitespace. The result is plain text: the entities the sanitizer emits are
// decoded again, so "Tom & Jerry" is stored as typed. An empty result means
// the message carries no text.
func Content(c string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(strings.TrimSpace(c))))
}

// PairKey returns the order-independent key of a participant pair and the
// participants in canonical (sorted) order.
func PairKey(userA, userB string) (string, [2]string) {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB, [2]string{userA, userB}
}
