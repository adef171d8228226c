// Package jobstore is the durable job table: framed records keyed by id,
// plus one physical index per status so each scan touches only the state it
// cares about: a priority/created/id index over queued jobs for dequeue, a
// leased_at index over active jobs for stall detection, and a finished_at
// index over terminal jobs for retention.
//
// Status transitions are conditional updates serialized by the store; the
// mark-active compare-and-set is the sole concurrency-safety mechanism for
// dequeue and the lease-token check guards every terminal transition.
package jobstore
