// Package main implements the threadmaps diagnostics tool.
//
// The threadmaps tool inspects the virtual memory regions owned by
// threads created through the pthread runtime. It works by:
//
//  1. Reading /proc/<pid>/maps
//  2. Filtering for the named anonymous regions the runtime tags
//     (stack guards, control pages, static TLS, auxiliary stacks)
//  3. Reporting them per region with sizes and protections
//
// It can also drive a create/join stress loop against the runtime and
// report whether thread memory converges back to baseline, which is the
// quickest way to spot a teardown leak on a new kernel or architecture.
//
// Usage:
//
//	threadmaps regions [pid]     # List thread regions of a process
//	threadmaps stress [flags]    # Run create/join cycles, check for leaks
//	threadmaps version           # Show version information
package main

import (
	"fmt"
	"os"

	"github.com/renlord/platform-bionic/pthread"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "regions":
		regionsCommand(os.Args[2:])
	case "stress":
		stressCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := pthread.GetInfo()
		fmt.Printf("threadmaps version %s (%d-bit", info.Version, info.PointerBits)
		if info.ShadowCallStack {
			fmt.Print(", shadow call stack")
		}
		fmt.Println(")")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`threadmaps - thread memory diagnostics

USAGE:
    threadmaps <command> [arguments]

COMMANDS:
    regions    List the named thread memory regions of a process
    stress     Run create/join cycles and check memory converges
    version    Show version information
    help       Show this help message

EXAMPLES:
    # List this shell's thread regions (needs a process using the runtime)
    threadmaps regions 12345

    # Churn 8 threads for 100 cycles and report leaks
    threadmaps stress -n 8 -cycles 100

    # Stress with a bigger stack to make regions easy to spot
    threadmaps stress -n 2 -cycles 10 -stack 4194304

ABOUT:
    The pthread runtime tags every region it maps with a name that the
    kernel renders in /proc/<pid>/maps as [anon:<name>]: stack guards,
    the thread control page, static TLS, signal stacks, and shadow call
    stacks. threadmaps collects those tags so thread memory can be
    attributed at a glance.

    Region naming needs a kernel built with CONFIG_ANON_VMA_NAME. On
    kernels without it the runtime still works, but regions show up
    unnamed and 'threadmaps regions' cannot attribute them.

`)
}
