// Package capability defines callable entries (tools and workers) and the
// registry that maps names to them. The registry is populated during startup
// and sealed before the first dispatch; after sealing it is safe for
// concurrent, read-only use by any number of call trees.
package capability
