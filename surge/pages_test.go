package surge

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPageStore_CeilingFollowsUtilization(t *testing.T) {
	// GIVEN 10 pages at 80% utilization
	ps := NewPageStore(10, 16, 0.8)

	// THEN only 8 pages are reservable
	b := ps.Budget()
	assert.Equal(t, 10, b.TotalPages)
	assert.Equal(t, 8, b.Ceiling)
	assert.Equal(t, 0, b.Allocated)
	assert.Equal(t, 8, ps.Available())
}

func TestNewPageStore_InvalidArguments_Panic(t *testing.T) {
	assert.Panics(t, func() { NewPageStore(0, 16, 1) })
	assert.Panics(t, func() { NewPageStore(4, 0, 1) })
	assert.Panics(t, func() { NewPageStore(4, 16, 0) })
	assert.Panics(t, func() { NewPageStore(4, 16, 1.5) })
}

func TestPageStore_Allocate_AscendingIDsAndAllOrNothing(t *testing.T) {
	// GIVEN a store with 4 reservable pages
	ps := NewPageStore(4, 16, 1)

	// WHEN 3 pages are allocated
	ids, err := ps.Allocate(3)
	require.NoError(t, err)

	// THEN ids come out in ascending order with one reference each
	assert.Equal(t, []PageID{0, 1, 2}, ids)
	for _, id := range ids {
		assert.Equal(t, 1, ps.RefCount(id))
	}

	// WHEN 2 more are requested with only 1 left
	_, err = ps.Allocate(2)

	// THEN the request fails and nothing was taken
	assert.True(t, errors.Is(err, ErrOutOfPages))
	assert.Equal(t, 1, ps.Available())
}

func TestPageStore_Allocate_NeverExceedsCeiling(t *testing.T) {
	// GIVEN 10 pages with a ceiling of 5
	ps := NewPageStore(10, 16, 0.5)

	// WHEN pages are allocated one by one until failure
	n := 0
	for {
		if _, err := ps.Allocate(1); err != nil {
			require.ErrorIs(t, err, ErrOutOfPages)
			break
		}
		n++
	}

	// THEN exactly the ceiling was handed out although free pages remain
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, ps.Budget().Allocated)
}

func TestPageStore_SharedPage_ReclaimedOnLastFree(t *testing.T) {
	// GIVEN a page retained by a second holder
	ps := NewPageStore(2, 16, 1)
	ids, err := ps.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, ps.Retain(ids[0]))
	require.NoError(t, ps.Write(ids[0], 16))

	// WHEN the first holder frees it
	reclaimed, err := ps.Free(ids[0])

	// THEN the page stays allocated with its contents
	require.NoError(t, err)
	assert.False(t, reclaimed)
	assert.Equal(t, 16, ps.Fill(ids[0]))
	assert.Equal(t, 1, ps.Budget().Allocated)

	// WHEN the second holder frees it
	reclaimed, err = ps.Free(ids[0])

	// THEN it returns to the free list and its fill resets
	require.NoError(t, err)
	assert.True(t, reclaimed)
	assert.Equal(t, 0, ps.Fill(ids[0]))
	assert.Equal(t, 0, ps.Budget().Allocated)
}

func TestPageStore_FreeOfFreePage_Underflow(t *testing.T) {
	ps := NewPageStore(2, 16, 1)

	_, err := ps.Free(0)
	assert.ErrorIs(t, err, ErrRefCountUnderflow)

	err = ps.Retain(1)
	assert.ErrorIs(t, err, ErrRefCountUnderflow)
	assert.Equal(t, 0, ps.Budget().Allocated)
}

func TestPageStore_FreeAll_ReleasesTailFirst(t *testing.T) {
	// GIVEN a chain of 3 pages
	ps := NewPageStore(3, 4, 1)
	ids, err := ps.Allocate(3)
	require.NoError(t, err)

	// WHEN the chain is released
	n, err := ps.FreeAll(ids)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// THEN the head page went back last and is handed out first
	next, err := ps.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, ids[0], next[0])
}

func TestPageStore_Write_FillIsMonotone(t *testing.T) {
	ps := NewPageStore(1, 4, 1)
	ids, err := ps.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, ps.Write(ids[0], 3))
	assert.Error(t, ps.Write(ids[0], 2), "fill must not decrease")
	assert.Error(t, ps.Write(ids[0], 5), "fill must not exceed the page size")
	require.NoError(t, ps.Write(ids[0], 4))
	assert.Equal(t, 4, ps.Fill(ids[0]))
}

func TestPageStore_ReserveEstimate_CeilingDivision(t *testing.T) {
	ps := NewPageStore(1, 128, 1)
	tests := []struct {
		tokens, want int
	}{
		{0, 0}, {1, 1}, {128, 1}, {129, 2}, {300, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ps.ReserveEstimate(tt.tokens), "tokens=%d", tt.tokens)
	}
}

func TestPageStore_ConcurrentRelease_ReclaimsExactlyOnce(t *testing.T) {
	// GIVEN one page held by 50 holders
	const holders = 50
	ps := NewPageStore(4, 16, 1)
	ids, err := ps.Allocate(1)
	require.NoError(t, err)
	for i := 1; i < holders; i++ {
		require.NoError(t, ps.Retain(ids[0]))
	}

	// WHEN every holder releases concurrently
	var wg sync.WaitGroup
	var mu sync.Mutex
	reclaims := 0
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ps.Free(ids[0])
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				reclaims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN the page was reclaimed exactly once and the budget is whole again
	assert.Equal(t, 1, reclaims)
	assert.Equal(t, 0, ps.RefCount(ids[0]))
	assert.Equal(t, 4, ps.Available())
}
