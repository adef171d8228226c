package jobstore

import (
	"encoding/binary"

	"github.com/grubworks/grubq/pkg/id"
)

// Key prefixes. Each index holds keys for exactly one status, so the dequeue
// scan never sees non-queued jobs and the stall scan never sees non-active
// jobs, keeping both independent of total history size.
const (
	prefixJob    = "jq/job/"    // framed job records, all statuses
	prefixQueued = "jq/queued/" // priority index, queued jobs only
	prefixActive = "jq/active/" // leased_at index, active jobs only
	prefixDone   = "jq/done/"   // finished_at index, terminal jobs only
	prefixMember = "jq/member/" // group membership, status byte per job
)

// JobKey returns the record key for a job.
// Format: jq/job/{id}
func JobKey(jobID id.ID) []byte {
	key := make([]byte, len(prefixJob)+16)
	copy(key, prefixJob)
	copy(key[len(prefixJob):], jobID[:])
	return key
}

// QueuedKey returns the dequeue-order index key for a queued job.
// Format: jq/queued/{priority}{created_ms}{id}. Priority is sign-flipped so
// ascending byte order equals ascending numeric order, created_ms breaks
// priority ties FIFO, and the id is the final deterministic tiebreaker.
func QueuedKey(priority int32, createdAtMs int64, jobID id.ID) []byte {
	key := make([]byte, len(prefixQueued)+4+8+16)
	copy(key, prefixQueued)
	binary.BigEndian.PutUint32(key[len(prefixQueued):], uint32(priority)^0x80000000)
	binary.BigEndian.PutUint64(key[len(prefixQueued)+4:], uint64(createdAtMs))
	copy(key[len(prefixQueued)+12:], jobID[:])
	return key
}

// ActiveKey returns the stall-scan index key for an active job.
// Format: jq/active/{leased_at_ms}{id}
func ActiveKey(leasedAtMs int64, jobID id.ID) []byte {
	key := make([]byte, len(prefixActive)+8+16)
	copy(key, prefixActive)
	binary.BigEndian.PutUint64(key[len(prefixActive):], uint64(leasedAtMs))
	copy(key[len(prefixActive)+8:], jobID[:])
	return key
}

// DoneKey returns the retention index key for a terminal job.
// Format: jq/done/{finished_at_ms}{id}
func DoneKey(finishedAtMs int64, jobID id.ID) []byte {
	key := make([]byte, len(prefixDone)+8+16)
	copy(key, prefixDone)
	binary.BigEndian.PutUint64(key[len(prefixDone):], uint64(finishedAtMs))
	copy(key[len(prefixDone)+8:], jobID[:])
	return key
}

// MemberKey returns the group membership key for a job.
// Format: jq/member/{len4}{group}{id}; the value is a single status byte.
func MemberKey(group string, jobID id.ID) []byte {
	prefix := MemberPrefix(group)
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], jobID[:])
	return key
}

// QueuedPrefix returns the scan bounds prefix for the queued index.
func QueuedPrefix() []byte { return []byte(prefixQueued) }

// ActivePrefix returns the scan bounds prefix for the active index.
func ActivePrefix() []byte { return []byte(prefixActive) }

// DonePrefix returns the scan bounds prefix for the terminal index.
func DonePrefix() []byte { return []byte(prefixDone) }

// MemberPrefix returns the scan bounds prefix for one group's members. Group
// ids are caller-supplied opaque strings, so the id is length-prefixed; with
// a separator byte instead, group "a" would prefix-match the keys of a group
// named "a" plus that separator.
func MemberPrefix(group string) []byte {
	out := make([]byte, len(prefixMember)+4+len(group))
	copy(out, prefixMember)
	binary.BigEndian.PutUint32(out[len(prefixMember):], uint32(len(group)))
	copy(out[len(prefixMember)+4:], group)
	return out
}

// upperBound returns the exclusive end key for a prefix scan: the key
// immediately after every key carrying the prefix. Appending a sentinel byte
// would lose keys whose next byte is 0xFF (the queued index starts with the
// sign-flipped priority, which covers the full byte range), so the prefix is
// incremented instead.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// idFromIndexKey extracts the trailing 16-byte job id from an index key.
func idFromIndexKey(key []byte) (id.ID, bool) {
	if len(key) < 16 {
		return id.Zero, false
	}
	out, err := id.FromBytes(key[len(key)-16:])
	if err != nil {
		return id.Zero, false
	}
	return out, true
}
