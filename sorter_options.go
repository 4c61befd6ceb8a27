package spillsort

import (
	"io"
	"log/slog"
)

const (
	defaultPageSize        = 1 << 20 // 1 MiB
	defaultInitialCapacity = 4096    // records
)

// Option is a functional option for configuring a sorter.
type Option func(*config)

type config struct {
	pageSize        int64
	initialCapacity int
	tempDir         string // empty means os.TempDir()
	mmapReads       bool
	logger          *slog.Logger
}

func defaultConfig() *config {
	return &config{
		pageSize:        defaultPageSize,
		initialCapacity: defaultInitialCapacity,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithPageSize sets the size of record pages requested from the memory
// manager. A single record (plus its length header) must fit in one
// page.
func WithPageSize(bytes int64) Option {
	return func(c *config) {
		c.pageSize = bytes
	}
}

// WithInitialCapacity sets the initial record capacity of the in-memory
// pointer array. The array doubles as needed.
func WithInitialCapacity(records int) Option {
	return func(c *config) {
		c.initialCapacity = records
	}
}

// WithTempDir sets the directory for spill run files. The directory
// must exist and be on a local filesystem.
func WithTempDir(dir string) Option {
	return func(c *config) {
		c.tempDir = dir
	}
}

// WithMmapReads makes spill runs be read back through a memory map
// instead of buffered reads. Records are then served zero-copy out of
// the page cache.
func WithMmapReads() Option {
	return func(c *config) {
		c.mmapReads = true
	}
}

// WithLogger sets the structured logger used for spill and cleanup
// events. The default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
