// regions.go implements the 'threadmaps regions' command.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// threadTags are the region names the runtime attaches to its mappings.
// They must stay in sync with the tags the memory layer defines.
var threadTags = []string{
	"stack guard",
	"stack top guard",
	"thread control",
	"static tls",
	"thread signal stack",
	"shadow call stack",
	"temp thread storage",
}

// regionsCommand implements the 'threadmaps regions' command.
//
// With no argument it inspects the calling process, which is only useful
// when threadmaps itself is extended to create threads; normally it is
// pointed at a pid running the runtime.
func regionsCommand(args []string) {
	pid := os.Getpid()
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p <= 0 {
			fmt.Fprintf(os.Stderr, "Error: bad pid %q\n", args[0])
			os.Exit(1)
		}
		pid = p
	}

	regions, err := readThreadRegions(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading maps for pid %d: %v\n", pid, err)
		os.Exit(1)
	}
	if len(regions) == 0 {
		fmt.Printf("No named thread regions in pid %d.\n", pid)
		fmt.Println("Either the process does not use the runtime, or the")
		fmt.Println("kernel lacks CONFIG_ANON_VMA_NAME.")
		return
	}

	fmt.Printf("Thread regions of pid %d:\n\n", pid)
	fmt.Printf("%-18s %-18s %-5s %10s  %s\n", "START", "END", "PERMS", "SIZE", "NAME")
	totals := make(map[string]uint64)
	counts := make(map[string]int)
	for _, r := range regions {
		fmt.Printf("%-18x %-18x %-5s %10s  %s\n", r.start, r.end, r.perms, humanSize(r.end-r.start), r.name)
		totals[r.name] += r.end - r.start
		counts[r.name]++
	}

	fmt.Printf("\nPer-region totals:\n")
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-22s %3d region(s) %10s\n", name, counts[name], humanSize(totals[name]))
	}
}

// mapsRegion is one line of /proc/<pid>/maps that carries a thread tag.
type mapsRegion struct {
	start, end uint64
	perms      string
	name       string
}

// readThreadRegions parses /proc/<pid>/maps and keeps the anonymous
// regions whose names the runtime owns.
func readThreadRegions(pid int) ([]mapsRegion, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var regions []mapsRegion
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, ok := parseMapsLine(scanner.Text())
		if ok {
			regions = append(regions, r)
		}
	}
	return regions, scanner.Err()
}

// parseMapsLine extracts a tagged region from one maps line. Lines look
// like:
//
//	7f1c2000-7f1c3000 ---p 00000000 00:00 0    [anon:stack guard]
func parseMapsLine(line string) (mapsRegion, bool) {
	idx := strings.Index(line, "[anon:")
	if idx < 0 {
		return mapsRegion{}, false
	}
	name := strings.TrimSuffix(line[idx+len("[anon:"):], "]")
	if !knownTag(name) {
		return mapsRegion{}, false
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return mapsRegion{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapsRegion{}, false
	}
	start, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	if err1 != nil || err2 != nil || end < start {
		return mapsRegion{}, false
	}
	return mapsRegion{start: start, end: end, perms: fields[1], name: name}, true
}

func knownTag(name string) bool {
	for _, tag := range threadTags {
		if name == tag {
			return true
		}
	}
	return false
}

// humanSize renders a byte count the way a person scans a maps listing.
func humanSize(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%d GiB", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
