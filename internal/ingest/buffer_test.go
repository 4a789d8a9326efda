package ingest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

func TestBuffer_AddTake(t *testing.T) {
	b := NewBuffer()
	b.Add(types.Chapter{BookFingerprint: "a", Index: 2})
	b.Add(types.Chapter{BookFingerprint: "a", Index: 1})
	b.Add(types.Chapter{BookFingerprint: "b", Index: 1})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, b.Pending())
	assert.Equal(t, []string{"a", "b"}, b.Books())

	got := b.Take("a")
	assert.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index, "arrival order kept")
	assert.Equal(t, 1, b.Len())
	assert.Nil(t, b.Take("a"))
}

func TestBuffer_Restore(t *testing.T) {
	b := NewBuffer()
	b.Add(types.Chapter{BookFingerprint: "a", Index: 3})
	b.Restore("a", []types.Chapter{{BookFingerprint: "a", Index: 1}, {BookFingerprint: "a", Index: 2}})

	got := b.Take("a")
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Index, got[1].Index, got[2].Index})
	assert.Zero(t, b.Len())
}

func TestBuffer_Concurrent(t *testing.T) {
	b := NewBuffer()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Add(types.Chapter{BookFingerprint: "a", Index: i + 1})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, b.Len())
	assert.Len(t, b.Take("a"), 50)
}
