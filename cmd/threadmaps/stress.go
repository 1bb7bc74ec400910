// stress.go implements the 'threadmaps stress' command.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/renlord/platform-bionic/pthread"
)

// stressCommand implements the 'threadmaps stress' command.
//
// It runs create/join cycles against the runtime and reports whether the
// process's thread bookkeeping and address space converge back to where
// they started. A growing VmSize or live count across cycles means a
// teardown path is leaking.
func stressCommand(args []string) {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	threads := fs.Int("n", 8, "threads per cycle")
	cycles := fs.Int("cycles", 100, "create/join cycles to run")
	stack := fs.Int("stack", 0, "per-thread stack size in bytes (0 = default)")
	verbose := fs.Bool("v", false, "report every cycle")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *threads <= 0 || *cycles <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -n and -cycles must be positive")
		os.Exit(1)
	}

	var attr *pthread.Attr
	if *stack > 0 {
		attr = &pthread.Attr{StackSize: uintptr(*stack)}
	}

	startStats := pthread.ReadStats()
	startVM := readVmSizeKB()
	fmt.Printf("Baseline: %d live thread(s), VmSize %d kB\n", startStats.Live, startVM)

	for cycle := 0; cycle < *cycles; cycle++ {
		handles := make([]*pthread.Thread, 0, *threads)
		for i := 0; i < *threads; i++ {
			t, err := pthread.Create(attr, func(arg any) any {
				return arg
			}, i)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: cycle %d create %d: %v\n", cycle, i, err)
				os.Exit(1)
			}
			handles = append(handles, t)
		}
		for i, t := range handles {
			result, err := pthread.Join(t)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: cycle %d join %d: %v\n", cycle, i, err)
				os.Exit(1)
			}
			if result.(int) != i {
				fmt.Fprintf(os.Stderr, "Error: cycle %d thread %d returned %v\n", cycle, i, result)
				os.Exit(1)
			}
		}
		if *verbose {
			s := pthread.ReadStats()
			fmt.Printf("cycle %4d: live %d, created %d, reaped %d, VmSize %d kB\n",
				cycle, s.Live, s.Created, s.Reaped, readVmSizeKB())
		}
	}

	endStats := pthread.ReadStats()
	endVM := readVmSizeKB()
	total := uint64(*threads) * uint64(*cycles)

	fmt.Printf("\nRan %d create/join cycles of %d threads (%d total).\n", *cycles, *threads, total)
	fmt.Printf("Created: %d  Reaped: %d  Live: %d (baseline %d)\n",
		endStats.Created-startStats.Created, endStats.Reaped-startStats.Reaped,
		endStats.Live, startStats.Live)
	fmt.Printf("VmSize: %d kB (baseline %d kB)\n", endVM, startVM)

	leaked := false
	if endStats.Live != startStats.Live {
		fmt.Printf("LEAK: live thread count did not return to baseline\n")
		leaked = true
	}
	if endStats.Created-startStats.Created != total {
		fmt.Printf("LEAK: created count off by %d\n",
			int64(endStats.Created-startStats.Created)-int64(total))
		leaked = true
	}
	// The Go heap may legitimately grow a little; thread mappings are
	// the dominant term here, so allow slack well under one stack.
	const slackKB = 512
	if startVM > 0 && endVM > startVM+slackKB {
		fmt.Printf("LEAK: VmSize grew by %d kB\n", endVM-startVM)
		leaked = true
	}
	if leaked {
		os.Exit(1)
	}
	fmt.Println("OK: thread memory converged to baseline")
}

// readVmSizeKB returns the process's VmSize in kilobytes, or zero if
// /proc/self/status cannot be read.
func readVmSizeKB() uint64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmSize:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb
	}
	return 0
}
