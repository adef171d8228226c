package jobstore

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/grubworks/grubq/pkg/id"
)

// Status is the lifecycle state of a job. Transitions are monotone through
// queued -> active -> (completed | failed); the only backward edge is
// active -> queued via lease reclamation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Lease carries the fields that exist only while a job is active. A nil
// Lease on a non-active job is enforced by the store's write paths, so an
// active job can never be observed without a token.
type Lease struct {
	Token    string `json:"token"`
	LeasedAt int64  `json:"leasedAtMs"`
}

// Outcome carries the fields that exist only once a job is terminal. Result
// and FailureReason are mutually exclusive and written exactly once.
type Outcome struct {
	FinishedAt    int64           `json:"finishedAtMs"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// Job is a unit of work. Payload is opaque to the engine.
type Job struct {
	ID         id.ID           `json:"-"`
	Status     Status          `json:"status"`
	Priority   int32           `json:"priority"`
	CreatedAt  int64           `json:"createdAtMs"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OwnerID    string          `json:"ownerId,omitempty"`
	GroupID    string          `json:"groupId,omitempty"`
	StallCount int             `json:"stallCount,omitempty"`
	Lease      *Lease          `json:"lease,omitempty"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
}

// Record framing: json body | crc32c(body). The checksum guards against
// partial or corrupted reads surfacing as silently wrong job state.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeJob frames a job record for storage.
func EncodeJob(j *Job) ([]byte, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+4)
	out = append(out, body...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(body, castagnoli))
	return append(out, cb[:]...), nil
}

// DecodeJob parses a framed record. Returns false when the frame is short or
// the checksum does not match.
func DecodeJob(jobID id.ID, b []byte) (*Job, bool) {
	if len(b) < 4 {
		return nil, false
	}
	body := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, castagnoli) != expect {
		return nil, false
	}
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, false
	}
	j.ID = jobID
	return &j, true
}

// memberByte is the single-byte status stored in the group member index.
func memberByte(s Status) byte {
	switch s {
	case StatusQueued:
		return 'q'
	case StatusActive:
		return 'a'
	case StatusCompleted:
		return 'c'
	case StatusFailed:
		return 'f'
	}
	return '?'
}
