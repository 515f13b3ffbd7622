package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArraySetOrder(t *testing.T) {
	assert := assert.New(t)
	var s ArraySet[string]

	_, ok := s.First()
	assert.False(ok)
	_, ok = s.RandomPick()
	assert.False(ok)

	s.Add("a")
	s.Add("b")
	s.Add("a")
	s.Add("c")
	assert.Equal(3, s.Size())
	assert.Equal([]string{"a", "b", "c"}, s.GetAll())

	first, ok := s.First()
	assert.True(ok)
	assert.Equal("a", first)

	assert.True(s.Delete("a"))
	assert.False(s.Delete("a"))
	first, _ = s.First()
	assert.Equal("b", first)
	assert.True(s.Contains("c"))
	assert.False(s.Contains("a"))

	pick, ok := s.RandomPick()
	assert.True(ok)
	assert.Contains([]string{"b", "c"}, pick)

	assert.Equal([]string{"b", "c"}, s.GetAllAndClear())
	assert.Equal(0, s.Size())
}

func TestArraySetGetAllIsACopy(t *testing.T) {
	var s ArraySet[int]
	s.Add(1)
	all := s.GetAll()
	all[0] = 7
	assert.True(t, s.Contains(1))
}

func TestArraySetConcurrent(t *testing.T) {
	var s ArraySet[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Add(i % 10)
			s.Contains(i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, s.Size())
}
