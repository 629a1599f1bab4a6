package mem

const allocatorBucketSize = 64

// BucketSlice is like a slice, but grows one bucket at a time, instead of growing exponentially. Elements never
// move once they have been appended, so both indices and pointers into the slice stay valid for its whole
// lifetime, no matter how much it grows afterwards.
type BucketSlice[T any] struct {
	n       int
	buckets [][]T
}

// Reserve preallocates buckets for at least n elements in total. It does not change the slice's length.
func (l *BucketSlice[T]) Reserve(n int) {
	for want := (n + allocatorBucketSize - 1) / allocatorBucketSize; len(l.buckets) < want; {
		l.buckets = append(l.buckets, make([]T, 0, allocatorBucketSize))
	}
}

// Grow grows the slice by one and returns a pointer to the new element, without overwriting it.
func (l *BucketSlice[T]) Grow() *T {
	a, _ := l.index(l.n)
	if a >= len(l.buckets) {
		l.buckets = append(l.buckets, make([]T, 0, allocatorBucketSize))
	}
	l.buckets[a] = l.buckets[a][:len(l.buckets[a])+1]
	ptr := &l.buckets[a][len(l.buckets[a])-1]
	l.n++
	return ptr
}

// Append appends v to the slice and returns the index of the new element.
func (l *BucketSlice[T]) Append(v T) int {
	ptr := l.Grow()
	*ptr = v
	return l.n - 1
}

func (l *BucketSlice[T]) index(i int) (int, int) {
	return i / allocatorBucketSize, i % allocatorBucketSize
}

func (l *BucketSlice[T]) Ptr(i int) *T {
	a, b := l.index(i)
	return &l.buckets[a][b]
}

func (l *BucketSlice[T]) Get(i int) T {
	a, b := l.index(i)
	return l.buckets[a][b]
}

func (l *BucketSlice[T]) Len() int {
	return l.n
}
