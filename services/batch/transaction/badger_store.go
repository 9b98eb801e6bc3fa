// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/filebatch/services/batch/storage/badger"
)

const (
	blobPrefix   = "blob/"
	refPrefix    = "ref/"
	recordPrefix = "tx/"

	// conflictRetries bounds retries of a refcount update that raced with
	// another writer.
	conflictRetries = 8
)

// BadgerStore persists snapshots in BadgerDB so a later process can roll
// back transactions left active by a crash.
//
// Keys:
//
//	blob/<sha256>  snapshot content
//	ref/<sha256>   big-endian uint64 reference count
//	tx/<id>        JSON Record
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *bstore.DB
}

// NewBadgerStore wraps an open database. Close closes the database.
func NewBadgerStore(db *bstore.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database with cfg and wraps it.
func OpenBadgerStore(cfg bstore.Config) (*BadgerStore, error) {
	db, err := bstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

// PutBlob implements SnapshotStore.
func (s *BadgerStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	hash := HashContent(data)
	err := s.update(ctx, func(txn *badger.Txn) error {
		refs, err := readRefs(txn, hash)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := txn.Set([]byte(blobPrefix+hash), data); err != nil {
				return err
			}
		}
		return writeRefs(txn, hash, refs+1)
	})
	if err != nil {
		return "", fmt.Errorf("storing snapshot blob: %w", err)
	}
	return hash, nil
}

// GetBlob implements SnapshotStore.
func (s *BadgerStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.db.Get(ctx, []byte(blobPrefix+hash))
	if errors.Is(err, bstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", hash, ErrBlobNotFound)
	}
	return data, err
}

// ReleaseBlob implements SnapshotStore.
func (s *BadgerStore) ReleaseBlob(ctx context.Context, hash string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		refs, err := readRefs(txn, hash)
		if err != nil || refs == 0 {
			return err
		}
		if refs > 1 {
			return writeRefs(txn, hash, refs-1)
		}
		if err := txn.Delete([]byte(refPrefix + hash)); err != nil {
			return err
		}
		return txn.Delete([]byte(blobPrefix + hash))
	})
}

// SaveRecord implements SnapshotStore.
func (s *BadgerStore) SaveRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding transaction record: %w", err)
	}
	return s.db.UpdateContext(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.ID), data)
	})
}

// DeleteRecord implements SnapshotStore.
func (s *BadgerStore) DeleteRecord(ctx context.Context, id string) error {
	return s.db.UpdateContext(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
}

// Records implements SnapshotStore. Undecodable records are skipped.
func (s *BadgerStore) Records(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.Scan(ctx, []byte(recordPrefix), func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing transaction records: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// Close implements SnapshotStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.UpdateContext(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readRefs(txn *badger.Txn, hash string) (uint64, error) {
	item, err := txn.Get([]byte(refPrefix + hash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var refs uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt reference count for %s", hash)
		}
		refs = binary.BigEndian.Uint64(val)
		return nil
	})
	return refs, err
}

func writeRefs(txn *badger.Txn, hash string, refs uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], refs)
	return txn.Set([]byte(refPrefix+hash), buf[:])
}

var _ SnapshotStore = (*BadgerStore)(nil)
