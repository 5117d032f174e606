package heap

import (
	"flag"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/besos/kmem/memutils/pages"
	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	StrategyLIFO           = "lifo"
	StrategyAddressOrdered = "address-ordered"

	PagePolicyNameReuse     = "reuse"
	PagePolicyNameFreshPage = "fresh-page"

	BitmapPlacementNameExternal = "external"
	BitmapPlacementNameInRegion = "in-region"
)

var strategyNames = map[string]metadata.FreeListStrategy{
	StrategyLIFO:           metadata.FreeListLIFO,
	StrategyAddressOrdered: metadata.FreeListAddressOrdered,
}

var pagePolicyNames = map[string]PagePolicy{
	PagePolicyNameReuse:     PagePolicyReuse,
	PagePolicyNameFreshPage: PagePolicyFreshPage,
}

var bitmapPlacementNames = map[string]pages.BitmapPlacement{
	BitmapPlacementNameExternal: pages.BitmapPlacementExternal,
	BitmapPlacementNameInRegion: pages.BitmapPlacementInRegion,
}

// Config describes a heap and the region it manages, as read from a YAML file or command-line flags
type Config struct {
	// RegionBegin is the address of the first byte of the region. It must be non-zero and page-aligned.
	RegionBegin uint64 `yaml:"region_begin"`
	// RegionLength is the size of the region. Any partial page at the end is ignored.
	RegionLength datasize.ByteSize `yaml:"region_length"`

	Strategy               string `yaml:"strategy"`
	PagePolicy             string `yaml:"page_policy"`
	BitmapPlacement        string `yaml:"bitmap_placement"`
	RetainEmptyPages       bool   `yaml:"retain_empty_pages"`
	ExternallySynchronized bool   `yaml:"externally_synchronized"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("heap.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.RegionLength = datasize.MB
	f.Uint64Var(&cfg.RegionBegin, prefix+"region-begin", 0x100000, "Address of the first byte of the managed region. Must be non-zero and page-aligned.")
	f.TextVar(&cfg.RegionLength, prefix+"region-length", cfg.RegionLength, "Size of the managed region.")
	f.StringVar(&cfg.Strategy, prefix+"strategy", StrategyAddressOrdered, "Free-list strategy inside each page: lifo or address-ordered.")
	f.StringVar(&cfg.PagePolicy, prefix+"page-policy", PagePolicyNameReuse, "Where allocations look for room: reuse (existing pages first) or fresh-page (a new page every time).")
	f.StringVar(&cfg.BitmapPlacement, prefix+"bitmap-placement", BitmapPlacementNameExternal, "Where the page bitmap is stored: external or in-region.")
	f.BoolVar(&cfg.RetainEmptyPages, prefix+"retain-empty-pages", false, "Keep pages whose last block was freed instead of returning them to the bitmap.")
	f.BoolVar(&cfg.ExternallySynchronized, prefix+"externally-synchronized", false, "Disable the heap's internal lock. The caller must serialize every call.")
}

// ParseConfig reads a YAML document into a Config. Fields missing from the document keep their
// flag defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("defaults", flag.ContinueOnError))

	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing heap config")
	}

	return cfg, cfg.Validate()
}

func (cfg *Config) Validate() error {
	if _, ok := strategyNames[cfg.Strategy]; !ok {
		return errors.Newf("unknown strategy %q", cfg.Strategy)
	}
	if _, ok := pagePolicyNames[cfg.PagePolicy]; !ok {
		return errors.Newf("unknown page policy %q", cfg.PagePolicy)
	}
	if _, ok := bitmapPlacementNames[cfg.BitmapPlacement]; !ok {
		return errors.Newf("unknown bitmap placement %q", cfg.BitmapPlacement)
	}

	return cfg.Region().Validate()
}

// Region returns the memory region the config describes
func (cfg *Config) Region() memutils.Region {
	return memutils.Region{
		Begin:  memutils.Address(cfg.RegionBegin),
		Length: cfg.RegionLength.Bytes(),
	}
}

// CreateOptions converts the config into the options accepted by New
func (cfg *Config) CreateOptions() (CreateOptions, error) {
	err := cfg.Validate()
	if err != nil {
		return CreateOptions{}, err
	}

	var flags CreateFlags
	if cfg.ExternallySynchronized {
		flags |= CreateExternallySynchronized
	}
	if cfg.RetainEmptyPages {
		flags |= CreateRetainEmptyPages
	}

	return CreateOptions{
		Flags:           flags,
		Strategy:        strategyNames[cfg.Strategy],
		PagePolicy:      pagePolicyNames[cfg.PagePolicy],
		BitmapPlacement: bitmapPlacementNames[cfg.BitmapPlacement],
	}, nil
}
