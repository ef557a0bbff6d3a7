package percpu

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joshuapare/percpu/internal/format"
)

// debugChecks re-verifies a chunk after every allocation and free.
var debugChecks = os.Getenv("PCPU_DEBUG") != ""

// defaultStaticStart is where static per-CPU variables start in Ptr space.
// It only needs to be non-zero so that a zero Ptr never names an object.
const defaultStaticStart uintptr = 1 << 20

// Config tunes an Allocator. Start from DefaultConfig and override fields.
type Config struct {
	// EmptyPopPagesLow is the low watermark of populated free pages. A
	// sleeping allocation that leaves fewer behind wakes the balancer.
	EmptyPopPagesLow int

	// EmptyPopPagesHigh is the high watermark. The balancer populates up to
	// it and chunks are only reclaimed while more than it remain.
	EmptyPopPagesHigh int

	// ReclaimDivisor: a chunk becomes a reclaim candidate once at least
	// 1/ReclaimDivisor of its pages are populated and empty.
	ReclaimDivisor int

	// PopulateRetries bounds how often a sleeping allocation retries after
	// the store failed to populate its pages.
	PopulateRetries int

	// WarnLimit caps the number of allocation failure warnings logged.
	WarnLimit int

	// Background starts the balancer goroutine. When false the balancer only
	// runs from explicit Balance calls.
	Background bool

	// StaticStart is the Ptr of the first static byte.
	StaticStart uintptr

	// StaticImage, when set, is copied into every unit's static area at
	// setup. It may not be longer than the layout's static size.
	StaticImage []byte

	// Cgroup resolves the accounting target for GFPAccount requests made
	// through Alloc. Nil disables accounting for those requests.
	Cgroup func() ObjCgroup

	// Logger overrides the package logger.
	Logger *slog.Logger
}

// DefaultConfig holds the stock watermarks and limits.
var DefaultConfig = Config{
	EmptyPopPagesLow:  format.EmptyPopPagesLow,
	EmptyPopPagesHigh: format.EmptyPopPagesHigh,
	ReclaimDivisor:    4,
	PopulateRetries:   1,
	WarnLimit:         10,
	Background:        true,
	StaticStart:       defaultStaticStart,
}

func checkConfig(cfg Config) (Config, error) {
	if cfg.EmptyPopPagesLow <= 0 {
		cfg.EmptyPopPagesLow = DefaultConfig.EmptyPopPagesLow
	}
	if cfg.EmptyPopPagesHigh <= 0 {
		cfg.EmptyPopPagesHigh = DefaultConfig.EmptyPopPagesHigh
	}
	if cfg.ReclaimDivisor <= 0 {
		cfg.ReclaimDivisor = DefaultConfig.ReclaimDivisor
	}
	if cfg.StaticStart == 0 {
		cfg.StaticStart = DefaultConfig.StaticStart
	}
	if cfg.PopulateRetries < 0 || cfg.WarnLimit < 0 {
		return cfg, fmt.Errorf("%w: negative retry or warn limit", ErrInvalidConfig)
	}
	if cfg.EmptyPopPagesLow > cfg.EmptyPopPagesHigh {
		return cfg, fmt.Errorf("%w: low watermark %d above high watermark %d",
			ErrInvalidConfig, cfg.EmptyPopPagesLow, cfg.EmptyPopPagesHigh)
	}
	return cfg, nil
}
