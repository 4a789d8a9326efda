// Package fingerprint derives content-addressed identities for books,
// chapters and covers.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Separator joins fingerprint parts before hashing.
const Separator = " - "

// Size is the length of a fingerprint in hex characters.
const Size = 64

// Of returns the SHA3-256 digest of the parts joined by Separator,
// encoded as 64 lowercase hex characters.
func Of(parts ...string) string {
	sum := sha3.Sum256([]byte(strings.Join(parts, Separator)))
	return hex.EncodeToString(sum[:])
}

// Book returns the identity of a book.
func Book(title, author string) string {
	return Of(title, author)
}

// Chapter returns the identity of a chapter within its book.
// The index is zero-padded to five digits.
func Chapter(bookFP string, index int, title string) string {
	return Of(bookFP, fmt.Sprintf("%05d", index), title)
}

// Cover returns the identity of a cover image, derived from its source URL.
func Cover(url string) string {
	return Of(url)
}

// Valid reports whether s has the shape of a fingerprint.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
