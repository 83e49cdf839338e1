package eventlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog(t *testing.T) {
	t.Run("newest first before wrapping", func(t *testing.T) {
		l := New[int](5)
		for i := 1; i <= 3; i++ {
			l.Append(i)
		}
		assert.Equal(t, 3, l.Len())
		assert.Equal(t, []int{3, 2, 1}, l.Recent(0))
		assert.Equal(t, []int{3, 2}, l.Recent(2))
	})

	t.Run("evicts the oldest when full", func(t *testing.T) {
		l := New[int](3)
		for i := 1; i <= 5; i++ {
			l.Append(i)
		}
		assert.Equal(t, 3, l.Len())
		assert.Equal(t, uint64(5), l.Total())
		assert.Equal(t, []int{5, 4, 3}, l.Recent(10))
	})

	t.Run("find returns the newest match", func(t *testing.T) {
		l := New[string](4)
		for _, s := range []string{"a1", "b1", "a2"} {
			l.Append(s)
		}
		got, ok := l.Find(func(s string) bool { return s[0] == 'a' })
		assert.True(t, ok)
		assert.Equal(t, "a2", got)

		_, ok = l.Find(func(s string) bool { return s == "zz" })
		assert.False(t, ok)
	})

	t.Run("non-positive capacity holds one entry", func(t *testing.T) {
		l := New[int](0)
		l.Append(1)
		l.Append(2)
		assert.Equal(t, []int{2}, l.Recent(0))
	})

	t.Run("concurrent appends", func(t *testing.T) {
		l := New[string](50)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				l.Append(fmt.Sprint(i))
				_ = l.Recent(5)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 50, l.Len())
		assert.Equal(t, uint64(100), l.Total())
	})
}
