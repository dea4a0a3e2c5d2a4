// The pointerchain tool discovers chains of pointer dereferences, from
// a process's static (code/data/bss) regions to a caller-specified
// target address, for use in reverse-engineering and game-hacking
// pointer-path reconstruction (spec §1).
//
// Run "pointerchain --help" for the full flag listing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pointerchain/chainsearch"
	"pointerchain/chainsink"
	"pointerchain/diskindex"
	"pointerchain/pointerlog"
	"pointerchain/procmem"
	"pointerchain/ptrindex"
	"pointerchain/region"
	"pointerchain/scanconfig"
	"pointerchain/workerpool"
)

var (
	flagProcess string
	flagAddress string
	flagDepth   int
	flagOffset  int64
	flagThreads int
	flagLimit   int
	flagFile    string
	flagCache   string
	flagFilter  []string
	flagWatch   time.Duration
	flagPtrace  bool
	flagSymbols string
)

// errNoChains is returned by runScan when a scan completes without
// error but finds nothing, so main's os.Exit(1) fires on spec §6's
// "zero chains" failure case exactly like any other failure.
var errNoChains = errors.New("pointerchain: no pointer chains found")

var cmdRoot = &cobra.Command{
	Use:   "pointerchain",
	Short: "discover pointer chains from static memory to a target address",
	Long: `
pointerchain attaches to a running process, builds an index of every
plausible pointer-sized value in its memory, and searches that index
for chains of dereferences that start at a static (code/data/bss)
region and land on a caller-specified target address.
`,
	Args:         cobra.ExactArgs(0),
	RunE:         runScan,
	SilenceUsage: true,
}

func init() {
	cmdRoot.Flags().StringVar(&flagProcess, "process", "", "target process: pid or executable basename substring (required)")
	cmdRoot.Flags().StringVar(&flagAddress, "address", "", "target address, hex or decimal (required)")
	cmdRoot.Flags().IntVar(&flagDepth, "depth", scanconfig.DefaultMaxDepth, "maximum chain depth")
	cmdRoot.Flags().Int64Var(&flagOffset, "offset", scanconfig.DefaultMaxOffset, "maximum offset per hop, in bytes")
	cmdRoot.Flags().IntVar(&flagThreads, "threads", scanconfig.DefaultThreads, "worker pool size")
	cmdRoot.Flags().IntVar(&flagLimit, "limit", scanconfig.DefaultLimit, "stop after this many chains (0 = unlimited)")
	cmdRoot.Flags().StringVar(&flagFile, "file", scanconfig.DefaultOutputFile, "output file for discovered chains")
	cmdRoot.Flags().StringVar(&flagCache, "cache", "", "optional on-disk pointer index cache path")
	cmdRoot.Flags().StringSliceVar(&flagFilter, "filter", nil, "additional region tags to exclude from the scan")
	cmdRoot.Flags().DurationVar(&flagWatch, "watch", 0, "repeat the scan on this interval instead of running once (0 = disabled)")
	cmdRoot.Flags().BoolVar(&flagPtrace, "ptrace-attach", false, "fall back to PTRACE_ATTACH when process_vm_readv and /proc/<pid>/mem are both denied (stops the target while attached)")
	cmdRoot.Flags().StringVar(&flagSymbols, "symbols", "", "optional ELF file (e.g. the target's own binary) to label chain anchors with the nearest symbol name")

	cmdRoot.MarkFlagRequired("process")
	cmdRoot.MarkFlagRequired("address")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	target, err := parseAddress(flagAddress)
	if err != nil {
		return fmt.Errorf("invalid --address: %w", err)
	}

	opts := scanconfig.Default()
	opts.Process = flagProcess
	opts.Target = target
	opts.MaxDepth = flagDepth
	opts.MaxOffset = flagOffset
	opts.Threads = flagThreads
	opts.Limit = flagLimit
	opts.OutputFile = flagFile
	opts.RegionFilter = parseTagFilter(flagFilter)
	opts.PtraceAttach = flagPtrace

	if err := opts.Validate(); err != nil {
		return err
	}

	logger := pointerlog.New(log.New(os.Stderr, "", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// errgroup composes the signal watcher with the scan itself so a
	// SIGINT/SIGTERM during a long search cancels ctx and the command
	// still returns through the normal RunE error path, rather than the
	// core ever calling os.Exit on its own.
	g, gctx := errgroup.WithContext(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var total int
	g.Go(func() error {
		select {
		case <-sig:
			cancel()
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer cancel() // let the signal watcher return once the scan is done
		if flagWatch <= 0 {
			n, err := runOptions(gctx, opts, logger, flagCache, flagSymbols)
			total = n
			return err
		}
		return watchScan(gctx, opts, logger, flagCache, flagSymbols, flagWatch, &total)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %d chain(s) to %s\n", total, opts.OutputFile)
	if total == 0 {
		return errNoChains
	}
	return nil
}

// watchScan re-runs runOptions on every tick until ctx is canceled,
// per SPEC_FULL.md's expansion of the CLI into a --watch mode for
// repeated scans of a process whose dynamic target keeps moving. Each
// tick overwrites opts.OutputFile from scratch; total accumulates the
// count of the most recently completed scan rather than a running sum,
// since chains from a stale tick describe a memory layout that may no
// longer hold.
func watchScan(ctx context.Context, opts scanconfig.Options, logger pointerlog.Logger, cachePath, symbolsPath string, interval time.Duration, total *int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := runOptions(ctx, opts, logger, cachePath, symbolsPath)
		if err != nil {
			return err
		}
		*total = n
		logger.Absorbedf("watch: wrote %d chain(s) to %s", n, opts.OutputFile)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runOptions is the library-usable core of the CLI command: given fully
// validated Options, it resolves the process, builds or loads the
// pointer index, searches for chains, and writes them to
// opts.OutputFile. It never calls os.Exit; only main does.
func runOptions(ctx context.Context, opts scanconfig.Options, logger pointerlog.Logger, cachePath, symbolsPath string) (int, error) {
	readerOpts := []procmem.Option{procmem.WithLogger(log.New(os.Stderr, "", log.LstdFlags))}
	if opts.PtraceAttach {
		readerOpts = append(readerOpts, procmem.WithPtraceAttach())
	}
	mem, err := procmem.NewReader(opts.Process, readerOpts...)
	if err != nil {
		return 0, err
	}
	defer mem.Close()

	m := region.New()
	if err := m.Load(mem.PID()); err != nil {
		return 0, fmt.Errorf("pointerchain: loading region map: %w", err)
	}
	for _, w := range m.Warnings() {
		logger.Warnf("%s", w)
	}

	pool := workerpool.New(opts.Threads)
	defer pool.Close()

	var idx *ptrindex.Index
	if cachePath != "" {
		if cached, err := diskindex.Read(cachePath); err == nil {
			idx = cached
		} else {
			logger.Absorbedf("cache %s unreadable, rebuilding: %v", cachePath, err)
		}
	}
	if idx == nil {
		idx, err = ptrindex.Build(ctx, mem, m.Filtered(opts.RegionFilter), m, pool, opts.Plausibility)
		if err != nil {
			return 0, fmt.Errorf("pointerchain: building pointer index: %w", err)
		}
		if cachePath != "" {
			if err := diskindex.Write(cachePath, idx); err != nil {
				logger.Absorbedf("writing cache %s: %v", cachePath, err)
			}
		}
	}
	if idx.Len() == 0 {
		logger.Warnf("pointer index is empty: no candidate pointers found in any scanned region")
	}

	var sinkOpts []chainsink.SinkOption
	if symbolsPath != "" {
		if symtab, err := diskindex.LoadSymbolTable(symbolsPath); err == nil {
			sinkOpts = append(sinkOpts, chainsink.WithSymbols(symtab))
		} else {
			logger.Absorbedf("symbols %s unreadable, continuing without hints: %v", symbolsPath, err)
		}
	}
	sink, err := chainsink.NewFileSink(opts.OutputFile, opts.RunID, sinkOpts...)
	if err != nil {
		return 0, err
	}
	defer sink.Close()

	count, err := chainsearch.Search(ctx, idx, opts.Target, chainsearch.Options{
		MaxDepth:  opts.MaxDepth,
		MaxOffset: opts.MaxOffset,
		Limit:     opts.Limit,
		Sink:      sink,
	}, pool)
	if err != nil {
		return 0, fmt.Errorf("pointerchain: search: %w", err)
	}
	return count, nil
}

func parseAddress(s string) (region.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return region.Address(v), nil
}

func parseTagFilter(names []string) []region.Tag {
	lookup := map[string]region.Tag{
		"Anonymous":  region.TagAnonymous,
		"CAlloc":     region.TagCAlloc,
		"CHeap":      region.TagCHeap,
		"CData":      region.TagCData,
		"CBss":       region.TagCBss,
		"CodeApp":    region.TagCodeApp,
		"CodeSystem": region.TagCodeSystem,
		"Stack":      region.TagStack,
		"JavaHeap":   region.TagJavaHeap,
		"Ashmem":     region.TagAshmem,
		"Other":      region.TagOther,
	}
	var out []region.Tag
	for _, n := range names {
		if t, ok := lookup[n]; ok {
			out = append(out, t)
		}
	}
	return out
}
