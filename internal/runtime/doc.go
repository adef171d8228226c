// Package runtime wires the storage layer, the stores, and the queue facade
// into a single-node engine instance, and runs its background sweeps.
package runtime
