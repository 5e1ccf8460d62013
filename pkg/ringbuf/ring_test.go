package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	r := New[int](3)
	assert.Equal(t, 3, r.Cap())
	for i := 1; i <= 3; i++ {
		assert.True(t, r.Push(i))
	}
	assert.True(t, r.Full())
	assert.False(t, r.Push(4))

	assert.True(t, r.PushEvict(4))
	v, ok := r.Pop()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// 环绕
	assert.False(t, r.PushEvict(5))
	var got []int
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	r.Push(9)
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok = r.Pop()
	assert.False(t, ok)
}

func TestRing_MinCapacity(t *testing.T) {
	r := New[string](0)
	assert.Equal(t, 1, r.Cap())
	assert.False(t, r.PushEvict("a"))
	assert.True(t, r.PushEvict("b"))
	v, _ := r.Pop()
	assert.Equal(t, "b", v)
}
