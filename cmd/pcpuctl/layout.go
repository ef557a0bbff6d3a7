package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/percpu/percpu"
)

// layoutFlags are shared by every command that builds a layout.
type layoutFlags struct {
	cpus     int
	nodes    int
	static   string
	reserved string
	dyn      string
	atom     string
	page     int
}

func (f *layoutFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.cpus, "cpus", 4, "Number of CPUs")
	cmd.Flags().IntVar(&f.nodes, "nodes", 1, "Spread CPUs over this many NUMA nodes, one group each")
	cmd.Flags().StringVar(&f.static, "static", "16K", "Static area size")
	cmd.Flags().StringVar(&f.reserved, "reserved", "0", "Reserved area size")
	cmd.Flags().StringVar(&f.dyn, "dyn", "28K", "Dynamic area size of the first chunk")
	cmd.Flags().StringVar(&f.atom, "atom", "0", "Backing allocation granularity (0 for the page size)")
	cmd.Flags().IntVar(&f.page, "page", 4096, "Page size")
}

// request turns the flags into a layout request.
func (f *layoutFlags) request() (percpu.LayoutRequest, error) {
	var req percpu.LayoutRequest
	if f.nodes <= 0 || f.nodes > f.cpus {
		return req, fmt.Errorf("--nodes must be between 1 and --cpus, got %d", f.nodes)
	}
	sizes := []struct {
		name string
		in   string
		out  *int
	}{
		{"static", f.static, &req.StaticSize},
		{"reserved", f.reserved, &req.ReservedSize},
		{"dyn", f.dyn, &req.DynSize},
		{"atom", f.atom, &req.AtomSize},
	}
	for _, s := range sizes {
		n, err := parseSize(s.in)
		if err != nil {
			return req, fmt.Errorf("--%s: %w", s.name, err)
		}
		*s.out = n
	}
	req.NrCPUs = f.cpus
	req.PageSize = f.page
	if f.nodes > 1 {
		node := func(cpu int) int { return cpu * f.nodes / f.cpus }
		req.Distance = func(from, to int) int {
			if node(from) == node(to) {
				return 10
			}
			return 20
		}
	}
	return req, nil
}

// parseSize accepts a byte count with an optional K, M or G suffix.
func parseSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n << shift, nil
}

var layoutOpts layoutFlags

func init() {
	cmd := newLayoutCmd()
	layoutOpts.register(cmd)
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Compute and print an allocator layout",
		Long: `The layout command groups CPUs by node, picks the unit size and the
number of units per allocation, and prints the resulting layout.

Example:
  pcpuctl layout --cpus 8
  pcpuctl layout --cpus 16 --nodes 2 --atom 2M
  pcpuctl layout --cpus 4 --reserved 8K --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout(&layoutOpts)
		},
	}
}

// layoutReport is the JSON form of the layout command's output.
type layoutReport struct {
	Layout       *percpu.Layout `json:"layout"`
	NrUnits      int            `json:"nr_units"`
	UnitsPerAtom int            `json:"units_per_alloc"`
	AreaSize     int            `json:"area_size"`
}

func runLayout(f *layoutFlags) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	printVerbose("Building layout for %d CPUs on %d node(s)\n", req.NrCPUs, f.nodes)

	l, err := percpu.BuildLayout(req)
	if err != nil {
		return err
	}
	report := layoutReport{
		Layout:       l,
		NrUnits:      l.NrUnits(),
		UnitsPerAtom: l.AllocSize / l.UnitSize,
		AreaSize:     l.NrUnits() * l.UnitSize,
	}
	if jsonOut {
		return printJSON(report)
	}

	printInfo("%s", l)
	printInfo("unit %s, %d unit(s) per allocation, %d group(s), area %s\n",
		humanBytes(l.UnitSize), report.UnitsPerAtom, len(l.Groups), humanBytes(report.AreaSize))
	return nil
}
