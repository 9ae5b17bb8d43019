// Package state persists the last-applied resource records. The store is
// read once at the start of a run and written incrementally as each change
// is confirmed; it is never written speculatively.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/terrane-io/terrane/internal/ir"
)

// Store is the persistence boundary for state records. Commits are atomic
// per record; unrelated records are never touched.
type Store interface {
	// Load returns all persisted records.
	Load(ctx context.Context) ([]*ir.StateRecord, error)

	// Commit upserts one record atomically.
	Commit(ctx context.Context, rec *ir.StateRecord) error

	// Remove deletes the record for the given address.
	Remove(ctx context.Context, addr string) error

	// Lock acquires an exclusive lock on the store.
	Lock() error

	// Unlock releases the lock.
	Unlock() error
}

// Snapshot is an immutable view of the records loaded at the start of a run.
// The planner diffs against it; apply verifies a saved plan against its
// digest.
type Snapshot struct {
	Records []*ir.StateRecord
}

func NewSnapshot(records []*ir.StateRecord) *Snapshot {
	return &Snapshot{Records: records}
}

// Index returns records keyed by address.
func (s *Snapshot) Index() map[string]*ir.StateRecord {
	idx := make(map[string]*ir.StateRecord, len(s.Records))
	for _, rec := range s.Records {
		idx[rec.Addr()] = rec
	}
	return idx
}

// Digest returns a stable content digest of the snapshot. Records are
// serialized in address order so the digest does not depend on load order.
func (s *Snapshot) Digest() string {
	records := make([]*ir.StateRecord, len(s.Records))
	copy(records, s.Records)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Addr() < records[j].Addr()
	})

	h := sha256.New()
	for _, rec := range records {
		data, _ := json.Marshal(rec)
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
