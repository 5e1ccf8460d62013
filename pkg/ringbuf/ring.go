// Package ringbuf 固定容量 FIFO 环形队列，不加锁，由调用方保护
package ringbuf

type Ring[T any] struct {
	buf  []T
	head int
	n    int
}

// New capacity<=0 时按 1 处理
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Len() int   { return r.n }
func (r *Ring[T]) Cap() int   { return len(r.buf) }
func (r *Ring[T]) Full() bool { return r.n == len(r.buf) }

// Push 满了返回 false
func (r *Ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return true
}

// PushEvict 满了就挤掉队头再放入，返回是否挤掉了一个
func (r *Ring[T]) PushEvict(v T) (evicted bool) {
	if r.Full() {
		r.drop()
		evicted = true
	}
	r.Push(v)
	return evicted
}

func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.drop()
	return v, true
}

func (r *Ring[T]) drop() {
	var zero T
	r.buf[r.head] = zero // 释放引用
	r.head = (r.head + 1) % len(r.buf)
	r.n--
}

func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}
