//go:build arm64 || riscv64

package auxstack

// ShadowStackSupported reports whether this architecture carries a shadow
// call stack. The launch path consults it; the picker and region logic
// stay portable so every platform tests them.
const ShadowStackSupported = true
