package mysync

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksPartitions(t *testing.T) {
	tests := []struct {
		n, parallelism int
		parts          int
	}{
		{0, 4, 0},
		{1, 4, 1},
		{3, 4, 3},
		{8, 4, 4},
		{10, 4, 4},
		{10, 1, 1},
		{10, 0, -1},
	}
	for _, tt := range tests {
		items := make([]int, tt.n)
		for i := range items {
			items[i] = i
		}

		var (
			parts atomic.Int32
			seen  = NewMutex(map[int]int{})
		)
		err := Chunks(items, tt.parallelism, func(part []int) error {
			assert.NotEmpty(t, part)
			parts.Add(1)
			seen.With(func(m map[int]int) {
				for _, v := range part {
					m[v]++
				}
			})
			return nil
		})
		require.NoError(t, err)
		if tt.parts >= 0 {
			assert.Equal(t, int32(tt.parts), parts.Load(), "n=%d parallelism=%d", tt.n, tt.parallelism)
		}

		m, unlock := seen.RLock()
		assert.Len(t, m, tt.n)
		for _, count := range m {
			assert.Equal(t, 1, count)
		}
		unlock.RUnlock()
	}
}

func TestForEachError(t *testing.T) {
	errBoom := errors.New("boom")
	err := ForEach([]int{1, 2, 3, 4, 5}, 2, func(v int) error {
		if v == 4 {
			return errBoom
		}
		return nil
	})
	require.ErrorIs(t, err, errBoom)
}
