package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

// RecipientPatch carries the fields an update may change. Nil fields are
// left untouched.
type RecipientPatch struct {
	NewWallet *string
	NewName   *string
	NewNote   *string
}

// Recipients returns every recipient in the shard, sorted by name.
func (s *Shard) Recipients() ([]models.Recipient, error) {
	var out []models.Recipient
	err := s.view(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketRecipients)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r models.Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to decode recipient: %v", err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddRecipient stores a new recipient. The wallet address must be unique
// within the shard.
func (s *Shard) AddRecipient(name, wallet, note string) (models.Recipient, error) {
	if name == "" {
		return models.Recipient{}, fmt.Errorf("recipient name is required")
	}
	if !models.IsValidAddress(wallet) {
		return models.Recipient{}, fmt.Errorf("invalid recipient wallet: %s", wallet)
	}

	r := models.Recipient{
		Name:   name,
		Wallet: models.NormalizeAddress(wallet),
		Note:   note,
	}

	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketRecipients)
		if b.Get([]byte(r.Wallet)) != nil {
			return fmt.Errorf("recipient %s: %w", r.Wallet, ErrDuplicate)
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Wallet), data)
	})
	if err != nil {
		return models.Recipient{}, err
	}

	s.logger.InfoWith(logger.Shard, "Added recipient %q (%s) for user %s", r.Name, r.Wallet, s.addr)
	return r, nil
}

// UpdateRecipient rewrites an existing recipient. Changing the wallet moves
// the record to the new key and enforces wallet uniqueness.
func (s *Shard) UpdateRecipient(oldWallet string, patch RecipientPatch) (models.Recipient, error) {
	oldKey := models.NormalizeAddress(oldWallet)

	var updated models.Recipient
	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketRecipients)
		data := b.Get([]byte(oldKey))
		if data == nil {
			return fmt.Errorf("recipient %s: %w", oldKey, ErrNotFound)
		}

		var r models.Recipient
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to decode recipient: %v", err)
		}

		if patch.NewName != nil {
			r.Name = *patch.NewName
		}
		if patch.NewNote != nil {
			r.Note = *patch.NewNote
		}
		if patch.NewWallet != nil {
			if !models.IsValidAddress(*patch.NewWallet) {
				return fmt.Errorf("invalid recipient wallet: %s", *patch.NewWallet)
			}
			newKey := models.NormalizeAddress(*patch.NewWallet)
			if newKey != oldKey && b.Get([]byte(newKey)) != nil {
				return fmt.Errorf("recipient %s: %w", newKey, ErrDuplicate)
			}
			if newKey != oldKey {
				if err := b.Delete([]byte(oldKey)); err != nil {
					return err
				}
			}
			r.Wallet = newKey
		}

		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		updated = r
		return b.Put([]byte(r.Wallet), out)
	})
	if err != nil {
		return models.Recipient{}, err
	}
	return updated, nil
}

// DeleteRecipient removes a recipient by wallet address.
func (s *Shard) DeleteRecipient(wallet string) error {
	key := models.NormalizeAddress(wallet)
	return s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketRecipients)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("recipient %s: %w", key, ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

// AppendSchedule stores a new schedule record.
func (s *Shard) AppendSchedule(sched models.Schedule) (models.Schedule, error) {
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}

	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketSchedules)
		key := []byte(sched.ID.String())
		if b.Get(key) != nil {
			return fmt.Errorf("schedule %s: %w", sched.ID, ErrDuplicate)
		}
		data, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return models.Schedule{}, err
	}

	s.logger.InfoWith(logger.Shard, "Appended schedule %s for user %s (next run %s)",
		sched.ID, s.addr, sched.NextRun.Format(time.RFC3339))
	return sched, nil
}

// UpdateSchedule applies a patch to an existing schedule and returns the
// updated record.
func (s *Shard) UpdateSchedule(id uuid.UUID, patch models.SchedulePatch) (models.Schedule, error) {
	var updated models.Schedule
	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketSchedules)
		key := []byte(id.String())
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}

		var sched models.Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			return fmt.Errorf("failed to decode schedule: %v", err)
		}

		if patch.NextRun != nil {
			sched.NextRun = *patch.NextRun
		}
		if patch.TimesRemaining != nil {
			remaining := *patch.TimesRemaining
			sched.TimesRemaining = &remaining
		}
		if patch.Active != nil {
			sched.Active = *patch.Active
		}

		out, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		updated = sched
		return b.Put(key, out)
	})
	if err != nil {
		return models.Schedule{}, err
	}
	return updated, nil
}

// DeleteSchedule removes a schedule by ID.
func (s *Shard) DeleteSchedule(id uuid.UUID) error {
	return s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketSchedules)
		key := []byte(id.String())
		if b.Get(key) == nil {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return b.Delete(key)
	})
}

// Schedules returns every schedule in the shard, newest first.
func (s *Shard) Schedules() ([]models.Schedule, error) {
	var out []models.Schedule
	err := s.view(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketSchedules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var sched models.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return fmt.Errorf("failed to decode schedule: %v", err)
			}
			out = append(out, sched)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Schedule returns a single schedule by ID.
func (s *Shard) Schedule(id uuid.UUID) (models.Schedule, error) {
	var sched models.Schedule
	found := false
	err := s.view(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketSchedules)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(id.String()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &sched)
	})
	if err != nil {
		return models.Schedule{}, err
	}
	if !found {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sched, nil
}

// AppendTransaction appends a history record. Transactions are append-only:
// there is no update or delete path.
func (s *Shard) AppendTransaction(t models.Transaction) (models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketTransactions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%020d", seq)), data)
	})
	if err != nil {
		return models.Transaction{}, err
	}

	s.logger.DebugWith(logger.Shard, "Appended %s transaction %s for user %s", t.Status, t.ID, s.addr)
	return t, nil
}

// Transactions returns the full history, newest first by timestamp.
func (s *Shard) Transactions() ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.view(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketTransactions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var t models.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to decode transaction: %v", err)
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
