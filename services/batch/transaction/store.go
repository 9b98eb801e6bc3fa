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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SnapshotStore holds snapshot content by hash plus the transaction records
// needed to roll back after a restart.
//
// Blobs are reference counted: identical content is stored once and removed
// when the last snapshot referencing it is released.
type SnapshotStore interface {
	// PutBlob stores data and returns its hash, adding one reference.
	PutBlob(ctx context.Context, data []byte) (string, error)

	// GetBlob returns the content for hash, or ErrBlobNotFound.
	GetBlob(ctx context.Context, hash string) ([]byte, error)

	// ReleaseBlob drops one reference to hash.
	ReleaseBlob(ctx context.Context, hash string) error

	// SaveRecord writes or replaces a transaction record.
	SaveRecord(ctx context.Context, rec Record) error

	// DeleteRecord removes a transaction record. Missing records are ignored.
	DeleteRecord(ctx context.Context, id string) error

	// Records lists stored records ordered by start time.
	Records(ctx context.Context) ([]Record, error)

	Close() error
}

// Record is the persisted part of a Transaction.
type Record struct {
	ID         string         `json:"id"`
	Operations []string       `json:"operations"`
	Snapshots  []FileSnapshot `json:"snapshots"`
	State      State          `json:"state"`
	StartTime  time.Time      `json:"startTime"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func recordOf(tx *Transaction, now time.Time) Record {
	return Record{
		ID:         tx.ID,
		Operations: append([]string(nil), tx.Operations...),
		Snapshots:  append([]FileSnapshot(nil), tx.Snapshots...),
		State:      tx.State,
		StartTime:  tx.StartTime,
		UpdatedAt:  now,
	}
}

// HashContent returns the hex SHA-256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StartTime.Equal(recs[j].StartTime) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].StartTime.Before(recs[j].StartTime)
	})
}

type memBlob struct {
	data []byte
	refs int
}

// MemoryStore is the default in-process SnapshotStore.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[string]*memBlob
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string]*memBlob),
		records: make(map[string]Record),
	}
}

// PutBlob implements SnapshotStore.
func (s *MemoryStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := HashContent(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[hash]; ok {
		b.refs++
		return hash, nil
	}
	s.blobs[hash] = &memBlob{data: append([]byte(nil), data...), refs: 1}
	return hash, nil
}

// GetBlob implements SnapshotStore.
func (s *MemoryStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", hash, ErrBlobNotFound)
	}
	return append([]byte(nil), b.data...), nil
}

// ReleaseBlob implements SnapshotStore.
func (s *MemoryStore) ReleaseBlob(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil
	}
	b.refs--
	if b.refs <= 0 {
		delete(s.blobs, hash)
	}
	return nil
}

// SaveRecord implements SnapshotStore.
func (s *MemoryStore) SaveRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// DeleteRecord implements SnapshotStore.
func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Records implements SnapshotStore.
func (s *MemoryStore) Records(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

// BlobCount returns the number of distinct blobs held.
func (s *MemoryStore) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Close implements SnapshotStore.
func (s *MemoryStore) Close() error { return nil }

var _ SnapshotStore = (*MemoryStore)(nil)
