// Package index holds the global due-schedule index: a flat map of
// scheduleId to a denormalized projection of the schedule, owned by the
// dispatcher. The per-user shards remain authoritative; the index is
// rebuildable from them and is allowed to lag a tick behind.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

var bucketSchedules = []byte("schedules")

// scanPageSize bounds how many entries one cursor pass decodes before the
// read transaction is reopened.
const scanPageSize = 256

// Store is a bbolt-backed schedule index.
type Store struct {
	db     *bolt.DB
	logger logger.Logger
}

// Open opens (or creates) the index database under dataDir. timeout bounds
// how long the open waits for the database file lock.
func Open(dataDir string, timeout time.Duration, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %v", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(filepath.Join(dataDir, "schedule_index.db"), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule index: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schedule index: %v", err)
	}

	return &Store{db: db, logger: log}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes or overwrites an index entry.
func (s *Store) Put(entry models.IndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %v", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(entry.ScheduleID.String()), data)
	})
	if err != nil {
		return err
	}
	s.logger.DebugWith(logger.Index, "Put index entry %s (next run %s)",
		entry.ScheduleID, entry.NextRun.Format(time.RFC3339))
	return nil
}

// Delete removes an index entry. Deleting an absent entry is not an error:
// the dispatcher may retire a schedule that a concurrent explicit delete
// already removed.
func (s *Store) Delete(scheduleID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(scheduleID.String()))
	})
}

// ListAll scans every live entry in key pages. Entries written between
// pages may be seen or missed; the dispatcher's tick semantics tolerate
// both.
func (s *Store) ListAll() ([]models.IndexEntry, error) {
	var out []models.IndexEntry
	var after []byte

	for {
		var page []models.IndexEntry
		var last []byte

		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketSchedules).Cursor()

			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && string(k) == string(after) {
					k, v = c.Next()
				}
			}

			for ; k != nil && len(page) < scanPageSize; k, v = c.Next() {
				var entry models.IndexEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					return fmt.Errorf("failed to decode index entry %s: %v", k, err)
				}
				page = append(page, entry)
				last = append(last[:0], k...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		out = append(out, page...)
		if len(page) < scanPageSize {
			return out, nil
		}
		after = append([]byte(nil), last...)
	}
}
