package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerLedgerStore keeps the ledger in an embedded badger database, for
// single-node deployments that do not want ledger traffic on the primary
// database. Conflicts surface through badger's transaction conflict detection
// in addition to the version check.
type BadgerLedgerStore struct {
	db *badger.DB
}

// OpenBadgerLedger opens a badger ledger at path; an empty path opens it in
// memory.
func OpenBadgerLedger(path string) (*BadgerLedgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerLedgerStore{db: db}, nil
}

func NewBadgerLedgerStore(db *badger.DB) *BadgerLedgerStore {
	return &BadgerLedgerStore{db: db}
}

func (s *BadgerLedgerStore) Close() error {
	return s.db.Close()
}

// ledger/{tenant}/{rule}/{entity}/{scope}
func badgerLedgerKey(key LedgerKey) []byte {
	return []byte(fmt.Sprintf("ledger/%s/%d/%s/%s",
		url.PathEscape(key.TenantID), key.RuleID, url.PathEscape(key.EntityID), key.Scope))
}

func badgerTenantPrefix(tenantID string) []byte {
	return []byte("ledger/" + url.PathEscape(tenantID) + "/")
}

func (s *BadgerLedgerStore) Get(_ context.Context, key LedgerKey) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readLedgerEntry(txn, key)
		entry = e
		return err
	})
	return entry, err
}

func readLedgerEntry(txn *badger.Txn, key LedgerKey) (*LedgerEntry, error) {
	item, err := txn.Get(badgerLedgerKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var entry LedgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &entry, nil
}

func (s *BadgerLedgerStore) RecordFire(_ context.Context, key LedgerKey, prev *LedgerEntry, firedAt time.Time) (*LedgerEntry, error) {
	var next LedgerEntry
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readLedgerEntry(txn, key)
		if err != nil {
			return err
		}
		switch {
		case current == nil && prev != nil:
			return ErrLedgerConflict
		case current != nil && (prev == nil || current.Version != prev.Version):
			return ErrLedgerConflict
		}

		next = LedgerEntry{
			TenantID:    key.TenantID,
			RuleID:      key.RuleID,
			EntityID:    key.EntityID,
			Scope:       key.Scope,
			LastFiredAt: firedAt,
			FireCount:   1,
			Version:     1,
		}
		if current != nil {
			next.FireCount = current.FireCount + 1
			next.Version = current.Version + 1
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(badgerLedgerKey(key), raw)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrLedgerConflict
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *BadgerLedgerStore) List(_ context.Context, q LedgerQuery) ([]LedgerEntry, int64, error) {
	var all []LedgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := badgerTenantPrefix(q.TenantID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry LedgerEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", it.Item().Key(), err)
			}
			if q.RuleID != 0 && entry.RuleID != q.RuleID {
				continue
			}
			if q.EntityID != "" && entry.EntityID != q.EntityID {
				continue
			}
			if q.Scope != "" && entry.Scope != q.Scope {
				continue
			}
			all = append(all, entry)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].LastFiredAt.Equal(all[j].LastFiredAt) {
			return all[i].LastFiredAt.After(all[j].LastFiredAt)
		}
		return strings.Compare(all[i].EntityID, all[j].EntityID) < 0
	})
	total := int64(len(all))
	page, size := normalizePage(q.Page, q.PageSize)
	start := (page - 1) * size
	if start >= len(all) {
		return []LedgerEntry{}, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}
