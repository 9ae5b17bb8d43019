package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terrane-io/terrane/internal/ir"
)

const staleLockAge = 10 * time.Minute

// DirStore keeps one JSON document per record in a directory. Commits write
// a temp file and rename it into place, so a crash never corrupts a record
// and unrelated records are untouched.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) Load(ctx context.Context) ([]*ir.StateRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory %s: %w", s.dir, err)
	}

	var records []*ir.StateRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read state record %s: %w", entry.Name(), err)
		}
		raw, err = DecryptRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state record %s: %w", entry.Name(), err)
		}
		var rec ir.StateRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse state record %s: %w", entry.Name(), err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (s *DirStore) Commit(ctx context.Context, rec *ir.StateRecord) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record %s: %w", rec.Addr(), err)
	}
	data, err = EncryptRecord(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to encrypt state record %s: %w", rec.Addr(), err)
	}

	path := s.recordPath(rec.Addr())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state record %s: %w", rec.Addr(), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit state record %s: %w", rec.Addr(), err)
	}
	return nil
}

func (s *DirStore) Remove(ctx context.Context, addr string) error {
	if err := os.Remove(s.recordPath(addr)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state record %s: %w", addr, err)
	}
	return nil
}

// Lock acquires a file lock next to the state directory to prevent
// concurrent runs. Locks older than staleLockAge are considered abandoned.
func (s *DirStore) Lock() error {
	lockPath := s.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("state is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// Unlock releases the state lock.
func (s *DirStore) Unlock() error {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (s *DirStore) lockPath() string {
	return filepath.Clean(s.dir) + ".lock"
}

func (s *DirStore) recordPath(addr string) string {
	return filepath.Join(s.dir, recordFileName(addr))
}

// recordFileName maps an address like "aws:S3.Bucket.site" to a filesystem
// safe name.
func recordFileName(addr string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "*", "_", "?", "_", "\"", "_", "[", "_", "]", "_")
	return r.Replace(addr) + ".json"
}
