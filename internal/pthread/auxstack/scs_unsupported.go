//go:build !arm64 && !riscv64

package auxstack

// ShadowStackSupported: no register is reserved for a shadow call stack
// on this architecture, so the launch path skips the setup entirely.
const ShadowStackSupported = false
