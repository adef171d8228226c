package backlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/id"
)

var (
	// ErrDuplicateID is returned by Insert when the id already exists.
	ErrDuplicateID = errors.New("backlog: duplicate entry id")
	// ErrCorrupt is returned when a stored entry fails checksum or decode.
	ErrCorrupt = errors.New("backlog: corrupt entry")
)

// Entry is a job awaiting admission. It carries the job's pre-active fields
// plus an admission deadline; there is no status field; presence in the store
// means "not yet admitted".
type Entry struct {
	ID        id.ID           `json:"-"`
	Priority  int32           `json:"priority"`
	CreatedAt int64           `json:"createdAtMs"`
	ExpiresAt int64           `json:"expiresAtMs"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OwnerID   string          `json:"ownerId,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
}

// Key layout. The ready index shares the job store's
// (priority, created_at, id) ordering so promotion preserves dequeue rank;
// the expiry index orders by deadline for the purge scan.
const (
	prefixEntry  = "jq/backlog/"
	prefixReady  = "jq/backlog_ready/"
	prefixExpiry = "jq/backlog_exp/"
	prefixMember = "jq/backmember/"
)

func entryKey(entryID id.ID) []byte {
	key := make([]byte, len(prefixEntry)+16)
	copy(key, prefixEntry)
	copy(key[len(prefixEntry):], entryID[:])
	return key
}

func readyKey(priority int32, createdAtMs int64, entryID id.ID) []byte {
	key := make([]byte, len(prefixReady)+4+8+16)
	copy(key, prefixReady)
	binary.BigEndian.PutUint32(key[len(prefixReady):], uint32(priority)^0x80000000)
	binary.BigEndian.PutUint64(key[len(prefixReady)+4:], uint64(createdAtMs))
	copy(key[len(prefixReady)+12:], entryID[:])
	return key
}

func expiryKey(expiresAtMs int64, entryID id.ID) []byte {
	key := make([]byte, len(prefixExpiry)+8+16)
	copy(key, prefixExpiry)
	binary.BigEndian.PutUint64(key[len(prefixExpiry):], uint64(expiresAtMs))
	copy(key[len(prefixExpiry)+8:], entryID[:])
	return key
}

// memberPrefix length-prefixes the group id so one group's scan can never
// match another group's keys, whatever bytes the caller put in the id.
func memberPrefix(group string) []byte {
	out := make([]byte, len(prefixMember)+4+len(group))
	copy(out, prefixMember)
	binary.BigEndian.PutUint32(out[len(prefixMember):], uint32(len(group)))
	copy(out[len(prefixMember)+4:], group)
	return out
}

func memberKey(group string, entryID id.ID) []byte {
	prefix := memberPrefix(group)
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], entryID[:])
	return key
}

// upperBound is the exclusive end key for a prefix scan. The ready index
// starts with the sign-flipped priority, so the bound must be the incremented
// prefix rather than prefix plus a sentinel byte, or top-range priorities
// would fall outside the scan.
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

func encodeEntry(e *Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+4)
	out = append(out, body...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(body, castagnoli))
	return append(out, cb[:]...), nil
}

func decodeEntry(entryID id.ID, b []byte) (*Entry, bool) {
	if len(b) < 4 {
		return nil, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, false
	}
	e.ID = entryID
	return &e, true
}

// Store owns pre-admission entries. It is deliberately decoupled from the
// job store so bursty submission never contends with the dequeue path.
type Store struct {
	db *pebblestore.DB
}

// Open binds a Store to the shared DB.
func Open(db *pebblestore.DB) *Store { return &Store{db: db} }

// Insert writes a new entry with its ready, expiry, and membership keys.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if e.ID.IsZero() {
		return fmt.Errorf("backlog: insert without id")
	}
	exists, err := s.db.Has(entryKey(e.ID))
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateID
	}

	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(e.ID), raw, nil); err != nil {
		return err
	}
	if err := b.Set(readyKey(e.Priority, e.CreatedAt, e.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Set(expiryKey(e.ExpiresAt, e.ID), nil, nil); err != nil {
		return err
	}
	if e.GroupID != "" {
		if err := b.Set(memberKey(e.GroupID, e.ID), nil, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// Get loads an entry, reporting ok=false when absent.
func (s *Store) Get(entryID id.ID) (*Entry, bool, error) {
	raw, err := s.db.Get(entryKey(entryID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	e, ok := decodeEntry(entryID, raw)
	if !ok {
		return nil, false, ErrCorrupt
	}
	return e, true, nil
}

// DrainReady returns up to limit non-expired entries in
// (priority, created_at, id) order. It does not delete them; the promotion
// transaction owns removal.
func (s *Store) DrainReady(nowMs int64, limit int) ([]*Entry, error) {
	prefix := []byte(prefixReady)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < 16 {
			continue
		}
		entryID, err := id.FromBytes(k[len(k)-16:])
		if err != nil {
			continue
		}
		e, found, err := s.Get(entryID)
		if err != nil {
			return nil, err
		}
		if !found || e.ExpiresAt <= nowMs {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendDelete appends the removal of an entry and all its index keys to the
// caller's batch. Deletion is the promotion commit point: once it commits,
// retrying the promotion sees no entry and does nothing.
func (s *Store) AppendDelete(b *pebble.Batch, e *Entry) error {
	if err := b.Delete(entryKey(e.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(readyKey(e.Priority, e.CreatedAt, e.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(expiryKey(e.ExpiresAt, e.ID), nil); err != nil {
		return err
	}
	if e.GroupID != "" {
		if err := b.Delete(memberKey(e.GroupID, e.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// PurgeExpired removes entries whose admission deadline has passed, returning
// them so the caller can report each owning group's implicit failure.
func (s *Store) PurgeExpired(ctx context.Context, nowMs int64, max int) ([]*Entry, error) {
	prefix := []byte(prefixExpiry)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	var purged []*Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8+16 {
			continue
		}
		expiresAt := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if expiresAt > nowMs {
			break
		}
		entryID, err := id.FromBytes(k[len(k)-16:])
		if err != nil {
			continue
		}
		e, found, err := s.Get(entryID)
		if err != nil {
			return nil, err
		}
		if !found {
			// orphaned index key
			if err := b.Delete(append([]byte{}, k...), nil); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.AppendDelete(b, e); err != nil {
			return nil, err
		}
		purged = append(purged, e)
		if max > 0 && len(purged) >= max {
			break
		}
	}
	if b.Len() == 0 {
		return nil, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return purged, nil
}

// PendingInGroup counts a group's unadmitted entries. Group completion must
// wait for this to reach zero.
func (s *Store) PendingInGroup(group string) (int, error) {
	prefix := memberPrefix(group)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// AppendDeleteGroup appends removal of all of a group's pending entries to
// the caller's batch, so group cancellation can drop them in the same commit
// that fails the admitted members. Returns the number of entries dropped.
func (s *Store) AppendDeleteGroup(b *pebble.Batch, group string) (int, error) {
	prefix := memberPrefix(group)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < 16 {
			continue
		}
		entryID, err := id.FromBytes(k[len(k)-16:])
		if err != nil {
			continue
		}
		e, found, err := s.Get(entryID)
		if err != nil {
			return n, err
		}
		if !found {
			continue
		}
		if err := s.AppendDelete(b, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
