//go:build 386 || amd64

package layout

// SelfSlotRequired is set on architectures that locate TLS through a flat
// pointer: slot zero must point at itself so code can recover the block
// address by loading %fs:0 or %gs:0.
const SelfSlotRequired = true
