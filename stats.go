package atomkv

import "sync/atomic"

// Stats accumulates lifetime counters for a DB, read through
// DB.StatsSnapshot(). Supplement #4: mirrors original_source/cache_manager.h's
// and lru_list.h's internal counters and the shape of
// other_examples/898c1d92_coyove-bbolt__tx.go.go's TxStats (atomic
// counters, copied out all at once by snapshot into a StatsSnapshot).
type Stats struct {
	cacheHits   uint64
	cacheMisses uint64
	splits      uint64
	merges      uint64
	rebalances  uint64
	commits     uint64
	rollbacks   uint64
	checkpoints uint64
}

func (s *Stats) incCacheHit()   { atomic.AddUint64(&s.cacheHits, 1) }
func (s *Stats) incCacheMiss()  { atomic.AddUint64(&s.cacheMisses, 1) }
func (s *Stats) incSplit()      { atomic.AddUint64(&s.splits, 1) }
func (s *Stats) incMerge()      { atomic.AddUint64(&s.merges, 1) }
func (s *Stats) incRebalance()  { atomic.AddUint64(&s.rebalances, 1) }
func (s *Stats) incCommit()     { atomic.AddUint64(&s.commits, 1) }
func (s *Stats) incRollback()   { atomic.AddUint64(&s.rollbacks, 1) }
func (s *Stats) incCheckpoint() { atomic.AddUint64(&s.checkpoints, 1) }

// StatsSnapshot is a point-in-time, non-atomic copy of Stats safe to hand
// to a caller.
type StatsSnapshot struct {
	CacheHits   uint64
	CacheMisses uint64
	Splits      uint64
	Merges      uint64
	Rebalances  uint64
	Commits     uint64
	Rollbacks   uint64
	Checkpoints uint64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		CacheHits:   atomic.LoadUint64(&s.cacheHits),
		CacheMisses: atomic.LoadUint64(&s.cacheMisses),
		Splits:      atomic.LoadUint64(&s.splits),
		Merges:      atomic.LoadUint64(&s.merges),
		Rebalances:  atomic.LoadUint64(&s.rebalances),
		Commits:     atomic.LoadUint64(&s.commits),
		Rollbacks:   atomic.LoadUint64(&s.rollbacks),
		Checkpoints: atomic.LoadUint64(&s.checkpoints),
	}
}
