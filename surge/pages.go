package surge

import (
	"fmt"
	"sync"
)

// PageID indexes a page in the store's flat arena.
type PageID int32

// Page is one fixed-size unit of KV storage.
type Page struct {
	ID       PageID
	RefCount int // sequences and prefix entries holding this page
	Fill     int // tokens written, <= page size
}

// Budget is a snapshot of page accounting.
type Budget struct {
	TotalPages int // pages in the pool
	Ceiling    int // pages reservable under hbm_utilization
	Allocated  int // pages with RefCount > 0
}

// Available returns the pages that can still be allocated.
func (b Budget) Available() int { return b.Ceiling - b.Allocated }

// PageStore owns a fixed pool of equally sized pages.
// It has no notion of scheduling policy; it only enforces the budget ceiling.
type PageStore struct {
	mu       sync.Mutex
	pageSize int
	pages    []Page
	free     []PageID // stack; top is the next page handed out
	budget   Budget
}

// NewPageStore creates a store with totalPages pages of pageSize tokens, of
// which floor(totalPages × hbmUtilization) may be allocated at once.
func NewPageStore(totalPages, pageSize int, hbmUtilization float64) *PageStore {
	if totalPages <= 0 {
		panic(fmt.Sprintf("PageStore: totalPages must be > 0, got %d", totalPages))
	}
	if pageSize <= 0 {
		panic(fmt.Sprintf("PageStore: pageSize must be > 0, got %d", pageSize))
	}
	if hbmUtilization <= 0 || hbmUtilization > 1 {
		panic(fmt.Sprintf("PageStore: hbmUtilization must be in (0, 1], got %v", hbmUtilization))
	}
	ps := &PageStore{
		pageSize: pageSize,
		pages:    make([]Page, totalPages),
		free:     make([]PageID, 0, totalPages),
		budget: Budget{
			TotalPages: totalPages,
			Ceiling:    int(float64(totalPages) * hbmUtilization),
		},
	}
	// push in reverse so that ids are handed out in ascending order
	for i := totalPages - 1; i >= 0; i-- {
		ps.pages[i].ID = PageID(i)
		ps.free = append(ps.free, PageID(i))
	}
	return ps
}

// PageSize returns the number of tokens per page.
func (ps *PageStore) PageSize() int { return ps.pageSize }

// ReserveEstimate returns the pages needed to hold tokenCount tokens.
func (ps *PageStore) ReserveEstimate(tokenCount int) int {
	if tokenCount <= 0 {
		return 0
	}
	return (tokenCount + ps.pageSize - 1) / ps.pageSize
}

// Allocate hands out n pages with a reference count of one each.
// It is all-or-nothing: on ErrOutOfPages nothing is allocated.
func (ps *PageStore) Allocate(n int) ([]PageID, error) {
	if n <= 0 {
		return nil, nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.budget.Allocated+n > ps.budget.Ceiling || n > len(ps.free) {
		return nil, fmt.Errorf("allocate %d pages with %d available: %w", n, ps.budget.Available(), ErrOutOfPages)
	}
	ids := make([]PageID, n)
	for i := range ids {
		top := len(ps.free) - 1
		id := ps.free[top]
		ps.free = ps.free[:top]
		pg := &ps.pages[id]
		pg.RefCount = 1
		pg.Fill = 0
		ids[i] = id
	}
	ps.budget.Allocated += n
	return ids, nil
}

// Retain adds a reference to an allocated page.
func (ps *PageStore) Retain(id PageID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pg, err := ps.page(id)
	if err != nil {
		return err
	}
	if pg.RefCount == 0 {
		return fmt.Errorf("retain free page %d: %w", id, ErrRefCountUnderflow)
	}
	pg.RefCount++
	return nil
}

// Free drops one reference. The page returns to the free list only when its
// reference count reaches zero; reclaimed reports whether that happened.
func (ps *PageStore) Free(id PageID) (reclaimed bool, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.freeLocked(id)
}

func (ps *PageStore) freeLocked(id PageID) (bool, error) {
	pg, err := ps.page(id)
	if err != nil {
		return false, err
	}
	if pg.RefCount == 0 {
		return false, fmt.Errorf("free page %d: %w", id, ErrRefCountUnderflow)
	}
	pg.RefCount--
	if pg.RefCount > 0 {
		return false, nil
	}
	pg.Fill = 0
	ps.free = append(ps.free, id)
	ps.budget.Allocated--
	return true, nil
}

// FreeAll drops one reference on every page of a chain, tail first, and
// returns the number of pages reclaimed. Tail pages hash the longest prefixes
// and are the least likely to be reused, so they go back on the free list first.
func (ps *PageStore) FreeAll(ids []PageID) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	reclaimed := 0
	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		ok, err := ps.freeLocked(ids[i])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, firstErr
}

// Write records that a page now holds fill tokens. Fill never decreases
// while the page is referenced.
func (ps *PageStore) Write(id PageID, fill int) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pg, err := ps.page(id)
	if err != nil {
		return err
	}
	if pg.RefCount == 0 {
		return fmt.Errorf("write to free page %d", id)
	}
	if fill < pg.Fill || fill > ps.pageSize {
		return fmt.Errorf("page %d: fill %d outside [%d, %d]", id, fill, pg.Fill, ps.pageSize)
	}
	pg.Fill = fill
	return nil
}

// Fill returns the number of tokens written to a page.
func (ps *PageStore) Fill(id PageID) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pg, err := ps.page(id); err == nil {
		return pg.Fill
	}
	return 0
}

// RefCount returns the number of references held on a page.
func (ps *PageStore) RefCount(id PageID) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pg, err := ps.page(id); err == nil {
		return pg.RefCount
	}
	return 0
}

// Available returns the pages that can be allocated without exceeding the ceiling.
func (ps *PageStore) Available() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.budget.Available()
}

// Budget returns a consistent snapshot of the page accounting.
func (ps *PageStore) Budget() Budget {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.budget
}

func (ps *PageStore) page(id PageID) (*Page, error) {
	if id < 0 || int(id) >= len(ps.pages) {
		return nil, fmt.Errorf("page id %d out of range [0, %d)", id, len(ps.pages))
	}
	return &ps.pages[id], nil
}
