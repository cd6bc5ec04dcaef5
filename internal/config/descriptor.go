// Package config loads and diffs the supervisor's declarative module
// configuration file.
package config

// Descriptor is the three-field configuration record for one named
// module: where to find its implementation, what to construct, and an
// optional dispatcher method name.
type Descriptor struct {
	// Source locates the implementation: a Go plugin path in this
	// implementation (see internal/module), the module-file path in
	// the original Python port.
	Source string
	// Entry is the constructor/entry symbol to instantiate.
	Entry string
	// Dispatcher is an optional method name that receives
	// (peerIP, function, args) and decides internally what to invoke.
	// Empty means "dispatch by direct name lookup".
	Dispatcher string
}

// Equal reports whether two descriptors are identical, the comparison
// reconcile() uses to decide whether a worker needs replacing.
func (d Descriptor) Equal(other Descriptor) bool {
	return d == other
}

// Registry is the name -> descriptor mapping produced by LoadAndClean.
type Registry map[string]Descriptor
