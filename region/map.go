package region

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Map holds the classified mapping table for a single target process.
// A Map is immutable once Load returns; call Load again (or construct a
// new Map) to retarget.
type Map struct {
	pid      int
	regions  []Region // address order
	static   []Region // address order, subset of regions
	warnings []string
}

// New returns an empty, unloaded Map.
func New() *Map {
	return &Map{}
}

// Load reads /proc/<pid>/maps, classifies every mapping and rebuilds the
// map's internal state wholesale. A prior binding, if any, is discarded.
func (m *Map) Load(pid int) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return fmt.Errorf("region: open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	regions, warnings, err := parseMaps(f)
	if err != nil {
		return err
	}

	*m = Map{
		pid:      pid,
		regions:  regions,
		warnings: warnings,
	}
	m.resolveModules()
	return nil
}

// parseMaps reads the /proc/pid/maps text format described in spec §6:
// "start-end perms offset dev inode pathname?", addresses hex without a
// 0x prefix, pathname optional and read to end of line. Malformed lines
// are silently skipped (spec §4.1).
func parseMaps(r io.Reader) ([]Region, []string, error) {
	var regions []Region
	var warnings []string
	counts := map[string]int{}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrRange := fields[0]
		perms := fields[1]

		dash := strings.IndexByte(addrRange, '-')
		if dash < 0 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[:dash], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrRange[dash+1:], 16, 64)
		if err != nil {
			continue
		}

		// Skip the five leading fields; whatever follows the inode is
		// the pathname, which may itself contain spaces.
		rest := line
		for i := 0; i < 5; i++ {
			rest = strings.TrimLeft(rest, " \t")
			if j := strings.IndexAny(rest, " \t"); j >= 0 {
				rest = rest[j:]
			} else {
				rest = ""
			}
		}
		pathname := strings.TrimLeft(rest, " \t")

		tag := classify(pathname, perms)
		count := 0
		if pathname != "" {
			count = counts[pathname]
			counts[pathname]++
		}

		regions = append(regions, Region{
			Start:      Address(start),
			End:        Address(end),
			Tag:        tag,
			Name:       displayName(pathname, count),
			Filterable: tag == TagUnknown || tag == TagJavaHeap || tag == TagAshmem,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("region: read maps: %w", err)
	}
	return regions, warnings, nil
}

// classify implements the first-match-wins table of spec §4.1, extended
// with the non-Android rules original_source/src/memory/mem_map.cpp
// also carries ([heap], [stack], dalvik/art, system framework) per
// SPEC_FULL.md's SUPPLEMENTED FEATURES §4.
func classify(pathname, perms string) Tag {
	switch {
	case pathname == "[heap]":
		return TagCHeap
	case strings.Contains(pathname, "dalvik") && strings.Contains(pathname, "art"):
		return TagJavaHeap
	case strings.Contains(pathname, "[stack]") || strings.Contains(pathname, "[stack:"):
		return TagStack
	case strings.Contains(pathname, "[anon:libc_malloc") || strings.Contains(pathname, "[anon:scudo:"):
		return TagCAlloc
	case strings.HasPrefix(pathname, "/data/app/") && strings.HasSuffix(pathname, ".so") && strings.Contains(perms, "x"):
		return TagCodeApp
	case pathname == "[anon:.bss]":
		return TagCBss
	case strings.HasPrefix(pathname, "/system/framework/"):
		return TagCodeSystem
	case strings.HasPrefix(pathname, "/data/app/") && strings.HasSuffix(pathname, ".so"):
		return TagCData
	case strings.Contains(pathname, "ashmem"):
		return TagAshmem
	case pathname == "" && strings.Contains(perms, "r"):
		return TagAnonymous
	default:
		return TagUnknown
	}
}

func displayName(pathname string, count int) string {
	if pathname == "" {
		return ""
	}
	base := filepath.Base(pathname)
	return fmt.Sprintf("%s[%d]", base, count)
}

// resolveModules runs the module-resolution pass of spec §4.1: a
// trailing CBss region inherits its predecessor's name with a ":bss"
// suffix when the predecessor is a shared object, and the static set is
// populated with every CodeApp, CData and qualifying CBss region.
func (m *Map) resolveModules() {
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Start < m.regions[j].Start })

	var static []Region
	for i := range m.regions {
		r := &m.regions[i]
		if !r.Tag.static() {
			continue
		}
		switch r.Tag {
		case TagCodeApp, TagCData:
			static = append(static, *r)
		case TagCBss:
			if i == 0 {
				continue
			}
			prev := m.regions[i-1]
			if prev.Tag != TagCodeApp && prev.Tag != TagCData {
				continue
			}
			if strings.HasSuffix(strings.TrimSuffix(prev.Name, fmt.Sprintf("[%s]", extractCount(prev.Name))), ".so") ||
				strings.Contains(prev.Name, ".so") {
				r.Name = prev.Name + ":bss"
			}
			static = append(static, *r)
		}
	}
	sort.Slice(static, func(i, j int) bool { return static[i].Start < static[j].Start })
	m.static = static
}

func extractCount(name string) string {
	i := strings.LastIndexByte(name, '[')
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(name[i+1:], "]")
}

// ScannableRegions returns every region whose tag is not Unknown (spec
// §4.1), applying the smart-default filter (SPEC_FULL.md SUPPLEMENTED
// FEATURES §4): Java heap and Ashmem are excluded by default, everything
// else classified is retained. Equivalent to Filtered(nil).
func (m *Map) ScannableRegions() []Region {
	return m.Filtered(nil)
}

// Filtered returns the same default-filtered view as ScannableRegions,
// additionally excluding any region whose tag appears in exclude. This
// backs scanconfig.Options.RegionFilter (SPEC_FULL.md SUPPLEMENTED
// FEATURES §4).
func (m *Map) Filtered(exclude []Tag) []Region {
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		if r.Tag == TagUnknown {
			continue
		}
		if r.Tag == TagJavaHeap || r.Tag == TagAshmem {
			continue
		}
		if tagIn(exclude, r.Tag) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func tagIn(tags []Tag, t Tag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

// AllRegions returns every parsed region, including Unknown ones, for
// diagnostics.
func (m *Map) AllRegions() []Region {
	return append([]Region(nil), m.regions...)
}

// StaticContaining returns the static region whose interval contains
// addr, or false if addr falls outside every static region. The static
// set is address-ordered, so this runs in O(log n).
func (m *Map) StaticContaining(addr Address) (Region, bool) {
	regs := m.static
	i := sort.Search(len(regs), func(i int) bool { return regs[i].End > addr })
	if i < len(regs) && regs[i].Contains(addr) {
		return regs[i], true
	}
	return Region{}, false
}

// StaticRegions returns the address-ordered static set.
func (m *Map) StaticRegions() []Region {
	return append([]Region(nil), m.static...)
}

// Warnings returns any non-fatal warnings accumulated while loading.
func (m *Map) Warnings() []string {
	return append([]string(nil), m.warnings...)
}

// DebugDump writes a human-readable listing of every parsed region,
// mirroring original_source/src/memory/mem_map.cpp's printRegionInfo.
// This is an operator troubleshooting aid, not part of any scan path.
func (m *Map) DebugDump(w io.Writer) {
	for _, r := range m.regions {
		fmt.Fprintf(w, "%-24s %-10s %#012x-%#012x filterable=%v\n",
			r.Name, r.Tag, uint64(r.Start), uint64(r.End), r.Filterable)
	}
}
