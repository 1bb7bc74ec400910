//go:build ignore

// This tool prints the static TLS layout and control block slot offsets
// the runtime computes for the build platform.
// Run with: go run tools/calc_tls_layout.go
package main

import (
	"fmt"

	"github.com/renlord/platform-bionic/internal/pthread/layout"
)

func main() {
	tls := layout.Default()

	fmt.Printf("Platform word: %d bits (%d-byte slots)\n", layout.PointerBits, layout.WordSize)
	fmt.Printf("Self slot required: %v\n\n", layout.SelfSlotRequired)

	fmt.Println("Control block slots:")
	slots := []struct {
		index int
		name  string
	}{
		{layout.SlotSelf, "self"},
		{layout.SlotThread, "thread"},
		{layout.SlotStackGuard, "stack guard"},
		{layout.SlotDTV, "dtv"},
		{layout.SlotExtendedStorage, "extended storage"},
	}
	for _, s := range slots {
		fmt.Printf("  slot %d  offset %3d  %s\n", s.index, s.index*int(layout.WordSize), s.name)
	}
	fmt.Printf("  (%d slots, %d bytes total)\n\n", layout.SlotCount, layout.ControlBlockSize)

	fmt.Println("Default static TLS layout:")
	fmt.Printf("  size             %d bytes\n", tls.Size)
	fmt.Printf("  align            %d bytes\n", tls.Align)
	fmt.Printf("  control block at %d\n", tls.OffControl)
	fmt.Printf("  extended slot at %d\n", tls.OffExtended)
	fmt.Printf("\nExtended per-thread storage: %d bytes\n", layout.ExtendedStorageSize)
}
