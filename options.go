package atomkv

// Options configures a database at Open time. Generalized from the
// teacher's db.go Options{FlushEvery} to the knobs spec.md §6 names.
type Options struct {
	// PageSize is the size in bytes of every page in the data file. It
	// must match the page size the file was created with. Zero selects
	// DefaultPageSize on a fresh file.
	PageSize int

	// CachePoolPageCount bounds how many pages the pager's LRU cache
	// keeps resident. Zero selects DefaultCachePoolPageCount.
	CachePoolPageCount int

	// MaxWALSize is the WAL size in bytes at which a commit, after
	// appending its records, runs a checkpoint that truncates the WAL.
	// Zero selects DefaultMaxWALSize.
	MaxWALSize int64

	// Sync controls whether a commit fsyncs the WAL and data file, and a
	// checkpoint the data file, before returning. Disabling it trades
	// durability for speed.
	Sync bool

	// ReadOnly opens the database without acquiring the writer lock and
	// rejects Update.
	ReadOnly bool

	// MaxKeySize and MaxValueSize bound record sizes. Supplement #5:
	// original_source/spaner.h and cell.h parameterize these per database
	// rather than hardcoding them; spec.md §4.2 only gives floors.
	MaxKeySize   int
	MaxValueSize int

	// Comparator orders keys within every bucket unless a bucket-level
	// override is supplied (supplement #3). Nil selects bytes.Compare.
	Comparator Comparator
}

// Comparator orders two keys the way a bucket's B+tree should. It must be
// a strict weak ordering and must not change across the database's
// lifetime once data has been written with it.
type Comparator func(a, b []byte) int

const (
	DefaultPageSize           = 4096
	DefaultCachePoolPageCount = 1024
	DefaultMaxWALSize         = 32 << 20 // 32 MiB
	MinPageSize                = 512
	MinMaxKeySize              = DefaultPageSize // spec.md §4.2: >= one page
	MinMaxValueSize             = 2 << 30          // spec.md §4.2: >= 2 GiB
)

// DefaultOptions returns the same sizes and limits Open fills in for the
// zero fields of an Options (mirroring the teacher's newDB defaulting of
// zero fields), with Sync turned on; a zero-value Options leaves Sync off.
func DefaultOptions() Options {
	return Options{
		PageSize:           DefaultPageSize,
		CachePoolPageCount: DefaultCachePoolPageCount,
		MaxWALSize:         DefaultMaxWALSize,
		Sync:               true,
		MaxKeySize:         MinMaxKeySize,
		MaxValueSize:       MinMaxValueSize,
	}
}

func (o *Options) setDefaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CachePoolPageCount == 0 {
		o.CachePoolPageCount = DefaultCachePoolPageCount
	}
	if o.MaxWALSize == 0 {
		o.MaxWALSize = DefaultMaxWALSize
	}
	if o.MaxKeySize == 0 {
		o.MaxKeySize = o.PageSize
	}
	if o.MaxValueSize == 0 {
		o.MaxValueSize = MinMaxValueSize
	}
	if o.Comparator == nil {
		o.Comparator = defaultComparator
	}
}

func (o *Options) validate() error {
	if o.PageSize < MinPageSize || o.PageSize&(o.PageSize-1) != 0 {
		return wrapErr(KindInvalidArgument, "validate options", ErrInvalidPageSize)
	}
	if o.MaxKeySize < o.PageSize {
		return wrapErr(KindInvalidArgument, "validate options", ErrInvalidPageSize)
	}
	if o.MaxValueSize < MinMaxValueSize {
		return wrapErr(KindInvalidArgument, "validate options", ErrValueTooLarge)
	}
	return nil
}
