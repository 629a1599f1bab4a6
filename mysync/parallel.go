package mysync

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Chunks splits items into min(parallelism, len(items)) contiguous partitions and calls fn once per partition,
// running partitions concurrently. A parallelism of zero or less uses GOMAXPROCS. Partitions never overlap, so fn may
// mutate the elements of its partition without further synchronization. Chunks returns after all partitions have
// finished, with the first error returned by fn.
func Chunks[T any](items []T, parallelism int, fn func(part []T) error) error {
	if len(items) == 0 {
		return nil
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	parts := parallelism
	if parts > len(items) {
		parts = len(items)
	}
	step := len(items) / parts

	var eg errgroup.Group
	for i := 0; i < parts; i++ {
		part := items[i*step : (i+1)*step]
		if i == parts-1 {
			// The last partition absorbs the remainder.
			part = items[i*step:]
		}
		eg.Go(func() error {
			return fn(part)
		})
	}
	return eg.Wait()
}

// ForEach calls fn for every element of items, spreading the work over partitions as described by Chunks.
func ForEach[T any](items []T, parallelism int, fn func(item T) error) error {
	return Chunks(items, parallelism, func(part []T) error {
		for _, item := range part {
			if err := fn(item); err != nil {
				return err
			}
		}
		return nil
	})
}
