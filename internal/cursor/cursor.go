// Package cursor implements the Scan Cursors store (§4.11): a bbolt-backed
// table of (library, folder path) -> last-seen listing hash, keyed so the
// Dispatcher can short-circuit a FolderScan job whose directory listing
// has not changed since the last scan.
package cursor

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scanwright/scanorch/internal/model"
)

var bucketName = []byte("scan_cursors")

// Store is the sole owner of the cursors bucket; the Dispatcher is the
// only caller that writes to it (§9).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cursor: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cursor: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Normalize canonicalises a folder path for use as a cursor key: it cleans
// dot-segments, lowercases the separator style to forward slashes, and
// strips any trailing slash (other than the root).
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func key(libraryID, normalizedPath string) []byte {
	return []byte(libraryID + "\x00" + normalizedPath)
}

type record struct {
	ListingHash  string `json:"listing_hash"`
	EntryCount   int    `json:"entry_count"`
	LastScan     int64  `json:"last_scan"`
	LastModified int64  `json:"last_modified"`
}

// Get returns the stored cursor for (libraryID, folderPath), if any. The
// path is normalized before lookup so callers do not need to match the
// exact string used on the write path.
func (s *Store) Get(libraryID, folderPath string) (model.ScanCursor, bool, error) {
	normalized := Normalize(folderPath)
	var rec record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(key(libraryID, normalized))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return model.ScanCursor{}, false, fmt.Errorf("cursor: get: %w", err)
	}
	if !found {
		return model.ScanCursor{}, false, nil
	}
	return model.ScanCursor{
		LibraryID:    libraryID,
		FolderPath:   normalized,
		ListingHash:  rec.ListingHash,
		EntryCount:   rec.EntryCount,
		LastScan:     rec.LastScan,
		LastModified: rec.LastModified,
	}, true, nil
}

// Upsert writes (or overwrites) the cursor for its (LibraryID, FolderPath).
// FolderPath is normalized before the key is derived, so repeated upserts
// for equivalent-but-differently-spelled paths collapse onto one entry.
func (s *Store) Upsert(c model.ScanCursor) error {
	normalized := Normalize(c.FolderPath)
	rec := record{
		ListingHash:  c.ListingHash,
		EntryCount:   c.EntryCount,
		LastScan:     c.LastScan,
		LastModified: c.LastModified,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cursor: marshal: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(key(c.LibraryID, normalized), raw)
	})
	if err != nil {
		return fmt.Errorf("cursor: upsert: %w", err)
	}
	return nil
}

// Delete removes the cursor for (libraryID, folderPath), used when a
// library is removed or a folder root is pruned.
func (s *Store) Delete(libraryID, folderPath string) error {
	normalized := Normalize(folderPath)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(key(libraryID, normalized))
	})
}

// CountForLibrary returns the number of cursor entries held for libraryID;
// mainly useful for diagnostics and tests.
func (s *Store) CountForLibrary(libraryID string) (int, error) {
	prefix := []byte(libraryID + "\x00")
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// ListForLibrary returns every persisted cursor for libraryID, used by the
// aggregator to rehydrate a run's item set at start so a restart after
// cancellation accounts for already-scanned folders without re-counting
// them as newly completed.
func (s *Store) ListForLibrary(libraryID string) ([]model.ScanCursor, error) {
	prefix := []byte(libraryID + "\x00")
	var out []model.ScanCursor
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("cursor: unmarshal %q: %w", k, err)
			}
			out = append(out, model.ScanCursor{
				LibraryID:    libraryID,
				FolderPath:   string(k[len(prefix):]),
				ListingHash:  rec.ListingHash,
				EntryCount:   rec.EntryCount,
				LastScan:     rec.LastScan,
				LastModified: rec.LastModified,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
