package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_KnownDigest(t *testing.T) {
	// SHA3-256 of the empty string.
	assert.Equal(t,
		"a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a",
		Of(""))
}

func TestOf_Deterministic(t *testing.T) {
	first := Book("东方传说", "佚名")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Book("东方传说", "佚名"))
	}
	assert.Len(t, first, Size)
	assert.True(t, Valid(first))
}

func TestOf_JoinsWithSeparator(t *testing.T) {
	assert.Equal(t, Of("Alpha - Bob"), Book("Alpha", "Bob"))
}

func TestBook_DistinguishesFields(t *testing.T) {
	assert.NotEqual(t, Book("Alpha", "Bob"), Book("Bob", "Alpha"))
	assert.NotEqual(t, Book("Alpha", "Bob"), Book("Alpha", "Bobby"))
}

func TestChapter_PadsIndex(t *testing.T) {
	book := Book("Alpha", "Bob")
	assert.Equal(t, Of(book, "00007", "Prologue"), Chapter(book, 7, "Prologue"))
	assert.NotEqual(t, Chapter(book, 7, "Prologue"), Chapter(book, 8, "Prologue"))
}

func TestCover_UsesURLOnly(t *testing.T) {
	assert.Equal(t, Of("https://example.com/a.jpg"), Cover("https://example.com/a.jpg"))
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"digest", Book("a", "b"), true},
		{"empty", "", false},
		{"short", "abc", false},
		{"uppercase", strings.ToUpper(Book("a", "b")), false},
		{"non hex", strings.Repeat("g", Size), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Valid(tt.value))
		})
	}
}
