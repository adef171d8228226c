package groupstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
)

var (
	// ErrDuplicateID is returned by Create for an already-registered group id.
	ErrDuplicateID = errors.New("groupstore: duplicate group id")
	// ErrNotFound is returned when a group id does not exist.
	ErrNotFound = errors.New("groupstore: group not found")
	// ErrTerminal is returned for operations against a cancelled or completed group.
	ErrTerminal = errors.New("groupstore: group is terminal")
	// ErrCorrupt is returned when a stored group fails checksum or decode.
	ErrCorrupt = errors.New("groupstore: corrupt group record")
)

// Status is a group's aggregate lifecycle state. It is derived from member
// outcomes, never set directly by producers after creation, except through
// cancellation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the group can no longer accept members.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Group aggregates related jobs under a caller-supplied id. Groups are
// created before their member jobs, so identity comes from the caller
// rather than the id generator.
type Group struct {
	ID             string `json:"-"`
	OwnerID        string `json:"ownerId"`
	Status         Status `json:"status"`
	CreatedAt      int64  `json:"createdAtMs"`
	TTLMs          int64  `json:"ttlMs,omitempty"`
	ExpiresAt      int64  `json:"expiresAtMs,omitempty"`
	FinishedAt     int64  `json:"finishedAtMs,omitempty"`
	BacklogExpired int    `json:"backlogExpired,omitempty"`
}

const (
	prefixGroup  = "jq/group/"
	prefixExpiry = "jq/group_exp/"
)

func groupKey(groupID string) []byte {
	return []byte(prefixGroup + groupID)
}

func expiryKey(expiresAtMs int64, groupID string) []byte {
	key := make([]byte, len(prefixExpiry)+8+len(groupID))
	copy(key, prefixExpiry)
	binary.BigEndian.PutUint64(key[len(prefixExpiry):], uint64(expiresAtMs))
	copy(key[len(prefixExpiry)+8:], groupID)
	return key
}

// upperBound is the exclusive end key for a prefix scan, the incremented
// prefix rather than prefix plus a sentinel byte.
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

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeGroup(g *Group) ([]byte, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+4)
	out = append(out, body...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(body, castagnoli))
	return append(out, cb[:]...), nil
}

func decodeGroup(groupID string, b []byte) (*Group, bool) {
	if len(b) < 4 {
		return nil, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, false
	}
	var g Group
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, false
	}
	g.ID = groupID
	return &g, true
}

// Store owns aggregate group records. It tracks lifecycle and expiry only;
// member jobs live in the job store and are reached by id, never by pointer.
type Store struct {
	db *pebblestore.DB

	// serializes terminal transitions so a completion check never races a
	// cancellation into a double flip
	mu sync.Mutex
}

// Open binds a Store to the shared DB.
func Open(db *pebblestore.DB) *Store { return &Store{db: db} }

// Create registers a new active group. When g.TTLMs is set, ExpiresAt is
// computed from CreatedAt and an expiry index entry is written.
func (s *Store) Create(ctx context.Context, g *Group) error {
	if g.ID == "" {
		return fmt.Errorf("groupstore: create without id")
	}
	exists, err := s.db.Has(groupKey(g.ID))
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateID
	}

	g.Status = StatusActive
	if g.TTLMs > 0 {
		g.ExpiresAt = g.CreatedAt + g.TTLMs
	}
	raw, err := encodeGroup(g)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(groupKey(g.ID), raw, nil); err != nil {
		return err
	}
	if g.ExpiresAt > 0 {
		if err := b.Set(expiryKey(g.ExpiresAt, g.ID), nil, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// Get loads a group by id.
func (s *Store) Get(groupID string) (*Group, error) {
	raw, err := s.db.Get(groupKey(groupID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	g, ok := decodeGroup(groupID, raw)
	if !ok {
		return nil, ErrCorrupt
	}
	return g, nil
}

// AppendSetStatus loads the group, flips it to status inside the caller's
// batch, and cleans up the expiry index entry on terminal transitions. The
// caller holds the transaction; cancellation composes this with the member
// failure writes so both commit or neither does.
//
// Callers must hold Lock for the duration of the read-modify-commit.
func (s *Store) AppendSetStatus(b *pebble.Batch, groupID string, status Status, nowMs int64) (*Group, error) {
	g, err := s.Get(groupID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, ErrTerminal
	}
	g.Status = status
	if status.Terminal() {
		g.FinishedAt = nowMs
		if g.ExpiresAt > 0 {
			if err := b.Delete(expiryKey(g.ExpiresAt, g.ID), nil); err != nil {
				return nil, err
			}
		}
	}
	raw, err := encodeGroup(g)
	if err != nil {
		return nil, err
	}
	if err := b.Set(groupKey(g.ID), raw, nil); err != nil {
		return nil, err
	}
	return g, nil
}

// Lock serializes group terminal transitions across callers that compose
// AppendSetStatus into their own batches.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// SetCompleted flips an active group to completed. Already-terminal groups
// are left untouched; the lazy completion check may race an explicit
// cancellation and the first terminal state wins.
func (s *Store) SetCompleted(ctx context.Context, groupID string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	_, err := s.AppendSetStatus(b, groupID, StatusCompleted, nowMs)
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return false, nil
		}
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// NoteBacklogExpired records n backlog entries of the group dropped without
// admission, the implicit failure contribution the purge sweep reports.
func (s *Store) NoteBacklogExpired(ctx context.Context, groupID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.Get(groupID)
	if err != nil {
		return err
	}
	g.BacklogExpired += n
	raw, err := encodeGroup(g)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(groupKey(g.ID), raw, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// FindExpired returns ids of still-active groups whose expiry has passed.
// Terminal groups have their index entries removed at transition time, so any
// id found here is a candidate for the cancellation path.
func (s *Store) FindExpired(nowMs int64, limit int) ([]string, error) {
	prefix := []byte(prefixExpiry)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		expiresAt := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if expiresAt > nowMs {
			break
		}
		out = append(out, string(k[len(prefix)+8:]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
