package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/joshuapare/percpu/internal/logger"
	"github.com/joshuapare/percpu/pagestore"
	"github.com/joshuapare/percpu/percpu"
)

// simFlags configure the sim command.
type simFlags struct {
	layout       layoutFlags
	ops          int
	seed         uint64
	store        string
	maxSize      string
	atomicPct    int
	freePct      int
	balanceEvery int
	drain        bool
}

var simOpts simFlags

func init() {
	cmd := newSimCmd()
	simOpts.layout.register(cmd)
	cmd.Flags().IntVar(&simOpts.ops, "ops", 10000, "Number of operations")
	cmd.Flags().Uint64Var(&simOpts.seed, "seed", 1, "Workload seed")
	cmd.Flags().StringVar(&simOpts.store, "store", "heap", "Page store: heap or mmap")
	cmd.Flags().StringVar(&simOpts.maxSize, "max-size", "2K", "Largest request size")
	cmd.Flags().IntVar(&simOpts.atomicPct, "atomic", 20, "Percentage of allocations made atomically")
	cmd.Flags().IntVar(&simOpts.freePct, "free", 45, "Percentage of operations that free an area")
	cmd.Flags().IntVar(&simOpts.balanceEvery, "balance-every", 100, "Run the balancer every N operations (0 to never)")
	cmd.Flags().BoolVar(&simOpts.drain, "drain", false, "Free every area and balance before reporting")
	rootCmd.AddCommand(cmd)
}

func newSimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sim",
		Short: "Run a seeded allocation workload",
		Long: `The sim command builds an allocator and drives it with a seeded mix of
sleeping and atomic allocations, frees and balancer passes. It then verifies
every chunk and reports the allocator counters and per-chunk state.

Example:
  pcpuctl sim --cpus 8 --ops 50000
  pcpuctl sim --store mmap --seed 42 --json
  pcpuctl sim --atomic 100 --balance-every 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(&simOpts)
		},
	}
}

// simResults counts what the workload did.
type simResults struct {
	Allocs       int    `json:"allocs"`
	Frees        int    `json:"frees"`
	Balances     int    `json:"balances"`
	AtomicMisses int    `json:"atomic_misses"`
	Failures     int    `json:"failures"`
	Live         int    `json:"live"`
	LiveBytes    int    `json:"live_bytes"`
	Elapsed      string `json:"elapsed"`
}

// simReport is the JSON form of the sim command's output.
type simReport struct {
	Seed     uint64              `json:"seed"`
	Store    string              `json:"store"`
	Geometry percpu.Geometry     `json:"geometry"`
	Results  simResults          `json:"results"`
	Stats    percpu.Stats        `json:"stats"`
	Chunks   []percpu.ChunkStats `json:"chunks"`
}

type liveArea struct {
	ptr  percpu.Ptr
	size int
}

// openStore returns the named page store and a function releasing it.
func openStore(name string, pageSize int) (percpu.PageStore, func(), error) {
	switch name {
	case "heap":
		return pagestore.NewHeap(pageSize), func() {}, nil
	case "mmap":
		m, err := pagestore.NewMmap()
		if err != nil {
			return nil, nil, err
		}
		if int(m.PageSize()) != pageSize {
			_ = m.Close()
			return nil, nil, fmt.Errorf("mmap store uses the system page size %d, not %d", m.PageSize(), pageSize)
		}
		return m, func() { _ = m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want heap or mmap)", name)
	}
}

func runSim(f *simFlags) error {
	req, err := f.layout.request()
	if err != nil {
		return err
	}
	maxSize, err := parseSize(f.maxSize)
	if err != nil {
		return fmt.Errorf("--max-size: %w", err)
	}
	if f.ops < 0 || f.atomicPct < 0 || f.atomicPct > 100 || f.freePct < 0 || f.freePct > 100 {
		return errors.New("--ops must be non-negative and percentages within [0, 100]")
	}

	layout, err := percpu.BuildLayout(req)
	if err != nil {
		return err
	}
	maxSize = min(max(maxSize, 1), layout.UnitSize)

	store, release, err := openStore(f.store, req.PageSize)
	if err != nil {
		return err
	}
	defer release()

	cfg := percpu.DefaultConfig
	cfg.Background = false
	cfg.Logger = logger.L
	a, err := percpu.New(layout, store, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printVerbose("Running %d ops with seed %d on the %s store\n", f.ops, f.seed, f.store)
	res, err := simulate(a, f, maxSize)
	if err != nil {
		return err
	}
	if err := a.Verify(); err != nil {
		return fmt.Errorf("allocator inconsistent after workload: %w", err)
	}

	report := simReport{
		Seed:     f.seed,
		Store:    f.store,
		Geometry: a.Geometry(),
		Results:  res,
		Stats:    a.Stats(),
		Chunks:   a.Snapshot(),
	}
	if jsonOut {
		return printJSON(report)
	}
	printSimReport(&report)
	return nil
}

// simulate drives a with the seeded workload described by f.
func simulate(a *percpu.Allocator, f *simFlags, maxSize int) (simResults, error) {
	rng := rand.New(rand.NewSource(f.seed))
	var (
		res  simResults
		live []liveArea
	)
	start := time.Now()

	for i := range f.ops {
		if f.balanceEvery > 0 && i > 0 && i%f.balanceEvery == 0 {
			a.Balance()
			res.Balances++
		}

		if len(live) > 0 && rng.Intn(100) < f.freePct {
			k := rng.Intn(len(live))
			a.Free(live[k].ptr)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
			continue
		}

		size := 1 + rng.Intn(maxSize)
		align := 1 << rng.Intn(4)
		gfp := percpu.GFPKernel
		if rng.Intn(100) < f.atomicPct {
			gfp = percpu.GFPAtomic
		}
		p, err := a.Alloc(size, align, gfp|percpu.GFPNoWarn)
		switch {
		case err == nil:
			live = append(live, liveArea{ptr: p, size: size})
			res.Allocs++
		case errors.Is(err, percpu.ErrNoSpaceAtomic):
			res.AtomicMisses++
		case errors.Is(err, percpu.ErrOutOfMemory), errors.Is(err, percpu.ErrNoSpace):
			res.Failures++
		default:
			return res, fmt.Errorf("op %d: %w", i, err)
		}
	}

	if f.drain {
		for _, ar := range live {
			a.Free(ar.ptr)
			res.Frees++
		}
		live = nil
		a.Balance()
		res.Balances++
	}

	res.Live = len(live)
	for _, ar := range live {
		res.LiveBytes += ar.size
	}
	res.Elapsed = time.Since(start).Round(time.Microsecond).String()
	return res, nil
}

func printSimReport(r *simReport) {
	g, s, res := r.Geometry, r.Stats, r.Results

	printInfo("Geometry: %d CPUs, unit %s (%d pages), static %s, reserved %s, dynamic %s\n",
		g.NrCPUs, humanBytes(g.UnitSize), g.UnitPages,
		humanBytes(g.StaticSize), humanBytes(g.ReservedSize), humanBytes(g.DynSize))
	printInfo("Workload: seed %d, %s store, %s\n", r.Seed, r.Store, res.Elapsed)
	printInfo("  allocs %d, frees %d, balances %d, atomic misses %d, failures %d\n",
		res.Allocs, res.Frees, res.Balances, res.AtomicMisses, res.Failures)
	printInfo("  live %d areas, %s per CPU\n", res.Live, humanBytes(res.LiveBytes))

	printInfo("\nAllocator:\n")
	printInfo("  chunks %d (max %d), populated pages %d, empty populated pages %d\n",
		s.NrChunks, s.NrMaxChunks, s.NrPopulated, s.NrEmptyPopPages)
	printInfo("  alloc %d, dealloc %d, current %d (max %d), failed %d\n",
		s.NrAlloc, s.NrDealloc, s.NrCurAlloc, s.NrMaxAlloc, s.NrFailed)
	printInfo("  sizes %s..%s, balancer passes %d, reclaimed %d\n",
		humanBytes(s.MinAllocSize), humanBytes(s.MaxAllocSize), s.NrBalance, s.NrReclaimed)

	printInfo("\n%-6s %-5s %-9s %6s %8s %10s %10s %8s %8s\n",
		"slot", "kind", "pages", "allocs", "max", "free", "contig", "frag", "digest")
	for _, c := range r.Chunks {
		kind := "dyn"
		switch {
		case c.Reserved:
			kind = "rsvd"
		case c.First:
			kind = "first"
		case c.Isolated:
			kind = "iso"
		}
		printInfo("%-6d %-5s %4d/%-4d %6d %8s %10s %10s %8s %08x\n",
			c.Slot, kind, c.NrPopulated, c.NrPages, c.NrAlloc,
			humanBytes(c.CurMaxAlloc), humanBytes(c.FreeBytes), humanBytes(c.ContigBytes),
			humanBytes(c.SumFrag), uint32(c.Digest))
		printVerbose("       empty populated %d, first free bit %d, largest frag %s, median alloc %s\n",
			c.NrEmptyPopPages, c.FirstBit, humanBytes(c.MaxFrag), humanBytes(c.CurMedAlloc))
	}
}
