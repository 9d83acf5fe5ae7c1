package install

// StorageChoice selects which configured filesystem storage backs a stream
// install, mirroring the original's g_storage_choice.
type StorageChoice int

// Storage choices threaded through StreamInstallController.Start.
const (
	StorageSDCard StorageChoice = iota
	StorageUserBuiltin
)

// Config configures a Demultiplexer and the stores it writes through.
type Config struct {
	ContentStore        ContentStore
	ContentMetaDB       ContentMetaDatabase
	TitleService        TitleService
	BufferSize          int64
	PullQueueSize       int64
	OrderedDiskImageMap bool
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithContentStore sets the content-store collaborator.
func WithContentStore(store ContentStore) ConfigOption {
	return func(c *Config) { c.ContentStore = store }
}

// WithTitleService sets the title-service collaborator.
func WithTitleService(svc TitleService) ConfigOption {
	return func(c *Config) { c.TitleService = svc }
}

// WithContentMetaDatabase sets the content-meta-database collaborator.
func WithContentMetaDatabase(db ContentMetaDatabase) ConfigOption {
	return func(c *Config) { c.ContentMetaDB = db }
}

// WithBufferSize overrides the header-accumulation buffer cap.
func WithBufferSize(n int64) ConfigOption {
	return func(c *Config) { c.BufferSize = n }
}

// WithPullQueueSize overrides the pull-mode bounded queue capacity
// (default 1 MiB).
func WithPullQueueSize(n int64) ConfigOption {
	return func(c *Config) { c.PullQueueSize = n }
}

// WithOrderedDiskImageMap selects the offset-keyed reassembly-map disk-image
// parser in place of the pull-mode parser for .xci/.xcz archives. The
// pull-mode parser is the production path; the ordered-map parser is kept
// available for hosts that cannot honor pull-mode's random-access read-back
// of already-written bytes.
func WithOrderedDiskImageMap(enabled bool) ConfigOption {
	return func(c *Config) { c.OrderedDiskImageMap = enabled }
}

// HeaderProbeCap is the default cap on header-accumulation buffering before
// a package archive's fixed and variable-length header are both present.
const HeaderProbeCap = 128 * 1024

// PullQueueCap is the default capacity of the pull-mode bounded byte queue.
const PullQueueCap = 1 << 20

// NewConfig builds a Config from opts, seeded with the reference defaults.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		BufferSize:    HeaderProbeCap,
		PullQueueSize: PullQueueCap,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
