// Package tokenize segments book titles into index tokens.
//
// The same Tokenizer must be used when a title is indexed and when it is
// queried; tokens are compared as exact strings.
package tokenize

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Tokenizer turns text into a set of tokens.
type Tokenizer interface {
	// Name identifies the tokenizer in configuration.
	Name() string
	// Tokens returns the distinct tokens of text in sorted order.
	Tokens(text string) []string
}

// Normalize folds text to the form tokens are taken from:
// NFKC, half-width ASCII, full-width kana and case-folded.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = width.Fold.String(text)
	return cases.Fold().String(text)
}

// Unigram emits each Han, Hiragana, Katakana or Hangul rune as its own
// token, and every run of other letters and digits as one token.
type Unigram struct{}

// Name implements Tokenizer.
func (Unigram) Name() string { return "unigram" }

// Tokens implements Tokenizer.
func (Unigram) Tokens(text string) []string {
	set := make(map[string]struct{})
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			set[word.String()] = struct{}{}
			word.Reset()
		}
	}

	for _, r := range Normalize(text) {
		switch {
		case isIdeographic(r):
			flush()
			set[string(r)] = struct{}{}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return sorted(set)
}

// Runes emits every non-space, non-punctuation rune as a token.
type Runes struct{}

// Name implements Tokenizer.
func (Runes) Name() string { return "runes" }

// Tokens implements Tokenizer.
func (Runes) Tokens(text string) []string {
	set := make(map[string]struct{})
	for _, r := range Normalize(text) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		set[string(r)] = struct{}{}
	}
	return sorted(set)
}

func isIdeographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func sorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Tokenizer{}
)

func init() {
	Register(Unigram{})
	Register(Runes{})
}

// Register makes a tokenizer available by name.
// Panics if a tokenizer with the same name is already registered.
func Register(t Tokenizer) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[t.Name()]; exists {
		panic("tokenizer already registered: " + t.Name())
	}
	registry[t.Name()] = t
}

// Get returns the tokenizer registered under name.
func Get(name string) (Tokenizer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
	return t, nil
}

// Names returns the registered tokenizer names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
