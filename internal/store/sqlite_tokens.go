package store

import (
	"context"
	"fmt"
)

// FingerprintsByToken returns the fingerprints of books whose title
// produced token at index time, in sorted order.
func (s *SQLiteStore) FingerprintsByToken(ctx context.Context, token string) ([]string, error) {
	var fps []string
	err := s.db.SelectContext(ctx, &fps,
		"SELECT book_fingerprint FROM title_tokens WHERE token = ? ORDER BY book_fingerprint", token)
	if err != nil {
		return nil, fmt.Errorf("query token %q: %w", token, err)
	}
	return fps, nil
}

// TokensForBook returns the index tokens recorded for a book.
func (s *SQLiteStore) TokensForBook(ctx context.Context, fingerprint string) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens,
		"SELECT token FROM title_tokens WHERE book_fingerprint = ? ORDER BY token", fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query tokens for %s: %w", fingerprint, err)
	}
	return tokens, nil
}
