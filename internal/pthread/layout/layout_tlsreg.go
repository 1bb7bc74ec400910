//go:build !386 && !amd64

package layout

// SelfSlotRequired is clear on architectures that address TLS through a
// dedicated register; the self slot stays zero there.
const SelfSlotRequired = false
