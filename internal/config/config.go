// Package config holds the tuning knobs for the paged heap and the
// logger every other package is handed at construction time.
package config

import (
	"fmt"

	"go.uber.org/zap"
)

// Default tuning knobs, mirroring the teacher's build-time constants
// (PAGE_SIZE, HEAP_ALIGNMENT) but exposed as process-startup parameters.
const (
	DefaultPageSize               = 128 * 1024 // 128 KiB
	DefaultAlignment              = 8
	DefaultFullThresholdFraction  = 0.9
	DefaultCollectTriggerFraction = 0.2
	DefaultVictimLivenessCap      = 0.5
)

// Config collects every tunable of the heap and collector.
type Config struct {
	// PageSize is the fixed byte size of every page. Must be a power of two.
	PageSize int

	// Alignment is the object alignment in bytes; side-array slots are
	// spaced Alignment bytes apart.
	Alignment int

	// FullThresholdFraction of PageSize at which a page is considered
	// full for new allocation.
	FullThresholdFraction float64

	// CollectTriggerFraction of the free pool below which marking starts.
	CollectTriggerFraction float64

	// VictimLivenessCap is the maximum live/PAGE_SIZE ratio a page may
	// have and still qualify as a relocation victim.
	VictimLivenessCap float64

	// TotalPages fixes the heap's backing region at startup; the heap
	// never grows or shrinks it.
	TotalPages int

	// CollectorThreads is the number of concurrent collector goroutines.
	CollectorThreads int

	Logger *zap.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithPageSize overrides the default page size.
func WithPageSize(n int) Option { return func(c *Config) { c.PageSize = n } }

// WithAlignment overrides the default object alignment.
func WithAlignment(n int) Option { return func(c *Config) { c.Alignment = n } }

// WithTotalPages fixes the number of pages the heap manages.
func WithTotalPages(n int) Option { return func(c *Config) { c.TotalPages = n } }

// WithCollectorThreads sets the number of collector goroutines.
func WithCollectorThreads(n int) Option { return func(c *Config) { c.CollectorThreads = n } }

// WithVictimLivenessCap overrides the victim selection threshold.
func WithVictimLivenessCap(f float64) Option { return func(c *Config) { c.VictimLivenessCap = f } }

// WithLogger attaches a logger; defaults to zap.NewNop() otherwise.
func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

// New builds a Config from defaults plus the supplied options.
func New(opts ...Option) *Config {
	c := &Config{
		PageSize:               DefaultPageSize,
		Alignment:              DefaultAlignment,
		FullThresholdFraction:  DefaultFullThresholdFraction,
		CollectTriggerFraction: DefaultCollectTriggerFraction,
		VictimLivenessCap:      DefaultVictimLivenessCap,
		TotalPages:             64,
		CollectorThreads:       1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("config: PageSize must be a power of two, got %d", c.PageSize)
	}
	if c.Alignment <= 0 || c.PageSize%c.Alignment != 0 {
		return fmt.Errorf("config: Alignment %d must divide PageSize %d", c.Alignment, c.PageSize)
	}
	if c.FullThresholdFraction <= 0 || c.FullThresholdFraction > 1 {
		return fmt.Errorf("config: FullThresholdFraction must be in (0, 1], got %f", c.FullThresholdFraction)
	}
	if c.TotalPages <= 0 {
		return fmt.Errorf("config: TotalPages must be positive, got %d", c.TotalPages)
	}
	return nil
}

// Threshold returns the byte offset within a page past which the page
// is considered full.
func (c *Config) Threshold() int {
	return int(float64(c.PageSize) * c.FullThresholdFraction)
}

// SideArrayLen returns the number of forwarding slots a blocked page's
// side array needs.
func (c *Config) SideArrayLen() int {
	return c.PageSize / c.Alignment
}

// AlignUp rounds size up to the next multiple of Alignment.
func (c *Config) AlignUp(size int) int {
	a := c.Alignment
	return (size + a - 1) &^ (a - 1)
}
