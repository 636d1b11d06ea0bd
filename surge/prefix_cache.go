package surge

import (
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// PrefixKey identifies a page-aligned token prefix. Keys are chained: the key
// of page i hashes the key of page i-1 together with the tokens of page i, so
// equal keys imply equal prefixes from the first token.
type PrefixKey uint64

// PrefixEntry is the page chain holding the KV state of one exact prefix.
type PrefixEntry struct {
	Key    PrefixKey
	Pages  []PageID // Pages[i] holds tokens [i*pageSize, (i+1)*pageSize)
	Tokens int      // len(Pages) * pageSize

	refs    int  // active sequences using the entry
	dropped bool // removed from the index; pages already returned
}

// Refs returns the number of active sequences holding the entry.
func (e *PrefixEntry) Refs() int { return e.refs }

// PrefixCache is a content-addressed index over completed page chains.
// The cache holds one page reference per page of every entry. Entries that no
// active sequence holds are idle and are reclaimed least recently used first
// when the scheduler needs pages.
type PrefixCache struct {
	mu       sync.Mutex
	store    *PageStore
	enabled  bool
	pageSize int
	root     PrefixKey
	enc      cbor.EncMode
	entries  map[PrefixKey]*PrefixEntry
	idle     *simplelru.LRU[PrefixKey, *PrefixEntry]
	metrics  *Metrics

	reclaimed int // pages returned to the store by dropped entries, monotonic
}

// NewPrefixCache creates a cache over store. When enabled is false every
// lookup misses and nothing is ever shared.
func NewPrefixCache(store *PageStore, enabled bool, hashSeed string) *PrefixCache {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("PrefixCache: canonical CBOR encoder: %v", err))
	}
	pc := &PrefixCache{
		store:    store,
		enabled:  enabled,
		pageSize: store.PageSize(),
		enc:      enc,
		entries:  make(map[PrefixKey]*PrefixEntry),
	}
	// idle entries are bounded by page pressure, not by count
	idle, err := simplelru.NewLRU[PrefixKey, *PrefixEntry](math.MaxInt32, pc.onIdleRemoved)
	if err != nil {
		panic(fmt.Sprintf("PrefixCache: idle list: %v", err))
	}
	pc.idle = idle
	pc.root = PrefixKey(xxhash.Sum64(pc.encode(hashSeed)))
	return pc
}

// Enabled reports whether prefix sharing is on.
func (pc *PrefixCache) Enabled() bool { return pc.enabled }

func (pc *PrefixCache) encode(v any) []byte {
	b, err := pc.enc.Marshal(v)
	if err != nil {
		// canonical encoding of ints and strings cannot fail
		panic(fmt.Sprintf("PrefixCache: encode: %v", err))
	}
	return b
}

// Keys returns one chained key per full page of tokens.
func (pc *PrefixCache) Keys(tokens []int) []PrefixKey {
	n := len(tokens) / pc.pageSize
	keys := make([]PrefixKey, n)
	parent := pc.root
	for i := 0; i < n; i++ {
		chunk := tokens[i*pc.pageSize : (i+1)*pc.pageSize]
		parent = PrefixKey(xxhash.Sum64(pc.encode([]any{uint64(parent), chunk})))
		keys[i] = parent
	}
	return keys
}

// Lookup returns the entry covering the longest cached page-aligned prefix of
// tokens and the number of tokens it covers. It walks keys from the longest
// prefix to the shortest and stops at the first hit. It does not change any
// reference count.
func (pc *PrefixCache) Lookup(tokens []int) (*PrefixEntry, int) {
	if !pc.enabled {
		return nil, 0
	}
	keys := pc.Keys(tokens)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.metrics.observeLookup()
	for i := len(keys) - 1; i >= 0; i-- {
		if e, ok := pc.entries[keys[i]]; ok && !e.dropped {
			return e, e.Tokens
		}
	}
	return nil, 0
}

// Acquire pins an entry for an active sequence. It returns false if the
// entry has been dropped since it was looked up.
func (pc *PrefixCache) Acquire(e *PrefixEntry) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if e == nil || e.dropped {
		return false
	}
	e.refs++
	if e.refs == 1 {
		pc.idle.Remove(e.Key) // refs > 0, so the callback keeps the pages
	}
	return true
}

// Release unpins an entry. When no sequence holds it any more the entry
// becomes idle and eligible for eviction. An underflow drops the entry and
// returns ErrPrefixCacheCorruption; later lookups miss it.
func (pc *PrefixCache) Release(e *PrefixEntry) error {
	if e == nil {
		return nil
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if e.refs <= 0 {
		logrus.Warnf("prefix cache: entry %016x released with %d refs, dropping it", uint64(e.Key), e.refs)
		e.refs = 0
		if cur, ok := pc.idle.Peek(e.Key); ok && cur == e {
			pc.idle.Remove(e.Key)
		} else {
			pc.drop(e)
		}
		return fmt.Errorf("release entry %016x: %w", uint64(e.Key), ErrPrefixCacheCorruption)
	}
	e.refs--
	if e.refs == 0 && !e.dropped {
		pc.idle.Add(e.Key, e)
	}
	return nil
}

// Insert publishes every full, written page of a chain under its prefix key.
// Pages already published under a key are left as they are (the existing
// entry is only touched), so inserting a chain that was just looked up does
// not grow the cache. It returns the number of entries added.
func (pc *PrefixCache) Insert(tokens []int, pages []PageID) int {
	if !pc.enabled {
		return 0
	}
	n := min(len(tokens)/pc.pageSize, len(pages))
	if n == 0 {
		return 0
	}
	keys := pc.Keys(tokens[:n*pc.pageSize])

	pc.mu.Lock()
	defer pc.mu.Unlock()

	added := 0
	for i := 0; i < n; i++ {
		if pc.store.Fill(pages[i]) != pc.pageSize {
			break
		}
		if e, ok := pc.entries[keys[i]]; ok {
			if e.refs == 0 {
				pc.idle.Get(e.Key)
			}
			continue
		}
		chain := append([]PageID(nil), pages[:i+1]...)
		if err := pc.retainChain(chain); err != nil {
			logrus.Warnf("prefix cache: cannot publish %016x: %v", uint64(keys[i]), err)
			break
		}
		e := &PrefixEntry{Key: keys[i], Pages: chain, Tokens: (i + 1) * pc.pageSize}
		pc.entries[e.Key] = e
		pc.idle.Add(e.Key, e)
		added++
	}
	return added
}

func (pc *PrefixCache) retainChain(chain []PageID) error {
	for i, id := range chain {
		if err := pc.store.Retain(id); err != nil {
			_, _ = pc.store.FreeAll(chain[:i])
			return err
		}
	}
	return nil
}

// Evict reclaims idle entries, least recently used first, until at least
// pages pages went back to the free list or no idle entry can free a page.
// An entry is only dropped when the cache holds the last reference to its
// tail page; entries whose pages a running sequence still holds stay cached.
// It returns the number of pages reclaimed.
func (pc *PrefixCache) Evict(pages int) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	start := pc.reclaimed
	for pc.reclaimed-start < pages {
		key, ok := pc.reclaimable()
		if !ok {
			break
		}
		pc.idle.Remove(key)
	}
	return pc.reclaimed - start
}

// reclaimable returns the least recently used idle entry whose tail page
// only the cache references.
func (pc *PrefixCache) reclaimable() (PrefixKey, bool) {
	for _, key := range pc.idle.Keys() {
		e, ok := pc.idle.Peek(key)
		if ok && pc.store.RefCount(e.Pages[len(e.Pages)-1]) == 1 {
			return key, true
		}
	}
	return 0, false
}

// onIdleRemoved runs whenever an entry leaves the idle list, with pc.mu held.
// Entries leaving because they were acquired keep their pages.
func (pc *PrefixCache) onIdleRemoved(_ PrefixKey, e *PrefixEntry) {
	if e.refs > 0 {
		return
	}
	pc.drop(e)
}

func (pc *PrefixCache) drop(e *PrefixEntry) {
	if e.dropped {
		return
	}
	e.dropped = true
	if cur, ok := pc.entries[e.Key]; ok && cur == e {
		delete(pc.entries, e.Key)
	}
	n, err := pc.store.FreeAll(e.Pages)
	if err != nil {
		logrus.Warnf("prefix cache: dropping %016x: %v", uint64(e.Key), err)
	}
	pc.reclaimed += n
	pc.metrics.observeEviction(n)
}

// Len returns the number of live entries.
func (pc *PrefixCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.entries)
}

// IdleLen returns the number of entries no active sequence holds.
func (pc *PrefixCache) IdleLen() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.idle.Len()
}

// CachedPages returns the number of distinct pages referenced by entries.
func (pc *PrefixCache) CachedPages() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	seen := make(map[PageID]struct{})
	for _, e := range pc.entries {
		for _, id := range e.Pages {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
