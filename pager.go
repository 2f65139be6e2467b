package atomkv

import (
	"container/list"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// cacheEntry is one resident page in the pager's LRU pool. Adapted from
// original_source/lru_list.h's intrusive list node plus
// original_source/cache_manager.h's refcounted slot: pinned pages (ref >
// 0) are never evicted, matching a page a live Tx is still reading.
type cacheEntry struct {
	id   pgid
	buf  []byte
	ref  int
	elem *list.Element
}

// pager owns the data file's page-level I/O: a read-mapped view of the
// file, an LRU cache of decoded page buffers, and the copy-on-write
// allocator a writer transaction uses to stage dirty pages before
// commit. Grounded on the teacher's pager.go (alloc/free bookkeeping) and
// tx.go's txPageManager (dirty map, ensureMapSize), unified into one
// component per spec.md §4.1.
type pager struct {
	mu sync.Mutex

	file     *os.File
	pageSize int
	mapping  mmap.MMap
	data     []byte

	cacheCap int
	cache    map[pgid]*cacheEntry
	lru      *list.List // front = most recently used

	nextPage pgid // first never-allocated page id

	stats *Stats
}

func openPager(file *os.File, pageSize, cacheCap int, stats *Stats) (*pager, error) {
	p := &pager{
		file:     file,
		pageSize: pageSize,
		cacheCap: cacheCap,
		cache:    make(map[pgid]*cacheEntry),
		lru:      list.New(),
		stats:    stats,
	}
	if err := p.remapLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// remapLocked (re)establishes the mmap read view over the whole file,
// matching the teacher's db.remap, invoked whenever the file grows.
func (p *pager) remapLocked() error {
	if p.mapping != nil {
		_ = p.mapping.Unmap()
		p.mapping = nil
	}
	fi, err := p.file.Stat()
	if err != nil {
		return wrapErr(KindIO, "stat data file", err)
	}
	size := fi.Size()
	if size < int64(2*p.pageSize) {
		size = int64(2 * p.pageSize)
		if err := p.file.Truncate(size); err != nil {
			return wrapErr(KindIO, "truncate data file", err)
		}
	}
	m, err := mmap.MapRegion(p.file, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return wrapErr(KindIO, "mmap data file", err)
	}
	p.mapping = m
	p.data = []byte(m)
	p.nextPage = pgid(size / int64(p.pageSize))
	return nil
}

func (p *pager) PageSize() int { return p.pageSize }

// allocNew reserves the next never-used page id, growing the file's
// logical end. Only ever called by the single active writer.
func (p *pager) allocNew() pgid {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextPage
	p.nextPage++
	return id
}

// ensureCapacity grows the backing file (and remaps) so that pages up to
// id are addressable, mirroring txPageManager.ensureMapSize.
func (p *pager) ensureCapacity(id pgid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	need := int64(id+1) * int64(p.pageSize)
	if need <= int64(len(p.data)) {
		return nil
	}
	if err := p.file.Truncate(need); err != nil {
		return wrapErr(KindIO, "grow data file", err)
	}
	return p.remapLocked()
}

// fetch returns the decoded bytes for a clean, already-durable page,
// consulting the LRU cache before touching the mmap. The returned slice
// must not be retained past the next writer transaction: a future
// copy-on-write may reuse the page id.
func (p *pager) fetch(id pgid) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[id]; ok {
		p.lru.MoveToFront(e.elem)
		if p.stats != nil {
			p.stats.incCacheHit()
		}
		return e.buf, nil
	}
	if p.stats != nil {
		p.stats.incCacheMiss()
	}
	off := int64(id) * int64(p.pageSize)
	if off+int64(p.pageSize) > int64(len(p.data)) {
		return nil, wrapErr(KindCorruption, "fetch page", ErrInvalidMeta)
	}
	buf := make([]byte, p.pageSize)
	copy(buf, p.data[off:off+int64(p.pageSize)])
	p.insertLocked(id, buf)
	return buf, nil
}

func (p *pager) insertLocked(id pgid, buf []byte) {
	e := &cacheEntry{id: id, buf: buf}
	e.elem = p.lru.PushFront(e)
	p.cache[id] = e
	p.evictLocked()
}

func (p *pager) evictLocked() {
	for back := p.lru.Back(); back != nil && len(p.cache) > p.cacheCap; {
		prev := back.Prev()
		e := back.Value.(*cacheEntry)
		if e.ref == 0 {
			p.lru.Remove(back)
			delete(p.cache, e.id)
		}
		// pinned entries are skipped: walk forward instead of evicting a
		// page a live reader still holds (original_source/cache_manager.h's
		// refcounted slots never evict a pinned entry).
		back = prev
	}
}

// pin/unpin mark a page as in-use by a live Tx so the LRU evictor skips
// it, mirroring original_source/lru_list.h's pin-aware eviction.
func (p *pager) pin(id pgid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[id]; ok {
		e.ref++
	}
}

func (p *pager) unpin(id pgid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[id]; ok && e.ref > 0 {
		e.ref--
	}
}

// invalidate drops a page from the cache, used after a checkpoint swaps
// the meta index or after a page is freed and its slot reused.
func (p *pager) invalidate(id pgid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[id]; ok {
		p.lru.Remove(e.elem)
		delete(p.cache, id)
	}
}

// writeAt writes a page's bytes to the data file at commit time (made
// durable by sync when Options.Sync is set). Dirty-page
// staging itself lives in writeSet (tx.go); the pager only knows how to
// persist bytes once a transaction has decided to commit.
func (p *pager) writeAt(id pgid, buf []byte) error {
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return wrapErr(KindIO, "write page", err)
	}
	p.invalidate(id)
	return nil
}

func (p *pager) sync() error {
	return fdatasync(p.file)
}

func (p *pager) close() error {
	if p.mapping != nil {
		return p.mapping.Unmap()
	}
	return nil
}
