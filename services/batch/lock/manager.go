// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock hands out exclusive path claims to transactions.
//
// # Description
//
// A transaction claims every path it snapshots. While the claim is held no
// other transaction may claim the path, which keeps two batches from
// mutating the same file behind each other's snapshots.
//
// Claims always live in process. When LockDir is set each claim is also
// backed by an advisory lock on a small file in that directory, named by a
// hash of namespace and path, so separate processes sharing a root see each
// other's claims. The lock file holds a JSON LockInfo for debugging.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir holds cross-process lock files. Empty keeps claims in process.
	LockDir string

	// Namespace separates lock files of different roots sharing a LockDir.
	// Typically the absolute root directory.
	Namespace string

	// TTL is recorded in LockInfo.ExpiresAt. It is informational; the
	// transaction janitor is what ends abandoned claims. Default: 1h.
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type claimEntry struct {
	info     *LockInfo
	file     *os.File
	lockPath string
}

// Manager tracks path claims.
type Manager struct {
	lockDir   string
	namespace string
	ttl       time.Duration
	locker    FileLocker
	logger    *slog.Logger

	mu     sync.Mutex
	claims map[string]*claimEntry
	closed bool
}

// NewManager creates a Manager, creating LockDir when set.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockDir != "" {
		if err := os.MkdirAll(cfg.LockDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating lock directory %s: %w", cfg.LockDir, err)
		}
	}
	return &Manager{
		lockDir:   cfg.LockDir,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		locker:    newFileLocker(),
		logger:    cfg.Logger.With("component", "lock.Manager"),
		claims:    make(map[string]*claimEntry),
	}, nil
}

// Acquire claims path for owner. Re-acquiring a path the owner already holds
// is a no-op.
//
// # Outputs
//
//   - error: *LockError wrapping ErrPathLocked when another owner, in this
//     process or another, holds the path.
func (m *Manager) Acquire(path, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(path, owner)
}

// AcquireAll claims every path for owner, or none of them. Paths the owner
// already held before the call stay held on failure.
func (m *Manager) AcquireAll(paths []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var acquired []string
	for _, p := range paths {
		if e, ok := m.claims[p]; ok && e.info.Owner == owner {
			continue
		}
		if err := m.acquireLocked(p, owner); err != nil {
			for _, a := range acquired {
				m.releaseLocked(a, m.claims[a])
			}
			return err
		}
		acquired = append(acquired, p)
	}
	return nil
}

func (m *Manager) acquireLocked(path, owner string) error {
	if m.closed {
		return ErrManagerClosed
	}

	if e, ok := m.claims[path]; ok {
		if e.info.Owner == owner {
			return nil
		}
		holder := *e.info
		return &LockError{Path: path, Holder: &holder, Err: ErrPathLocked}
	}

	now := time.Now()
	entry := &claimEntry{info: &LockInfo{
		Path:      path,
		Owner:     owner,
		PID:       os.Getpid(),
		LockedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}}

	if m.lockDir != "" {
		f, lockPath, err := m.lockFile(path)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(entry.info, "", "  ")
		if err == nil {
			err = writeInfo(f, data)
		}
		if err != nil {
			m.locker.Unlock(f)
			f.Close()
			return fmt.Errorf("writing lock info for %s: %w", path, err)
		}
		entry.file = f
		entry.lockPath = lockPath
	}

	m.claims[path] = entry
	m.logger.Debug("claimed path",
		slog.String("path", path),
		slog.String("owner", owner))
	return nil
}

// lockFile opens and locks the lock file for path. It retries when the file
// it locked was unlinked by a releasing holder in the meantime.
func (m *Manager) lockFile(path string) (*os.File, string, error) {
	lockPath := m.lockPath(path)
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, "", fmt.Errorf("opening lock file for %s: %w", path, err)
		}

		if err := m.locker.Lock(f); err != nil {
			holder := readInfo(f)
			f.Close()
			if errors.Is(err, errWouldBlock) {
				return nil, "", &LockError{Path: path, Holder: holder, Err: ErrPathLocked}
			}
			return nil, "", fmt.Errorf("locking %s: %w", path, err)
		}

		if sameFile(f, lockPath) {
			return f, lockPath, nil
		}
		m.locker.Unlock(f)
		f.Close()
	}
	return nil, "", &LockError{Path: path, Err: ErrPathLocked}
}

// Release drops owner's claim on path.
func (m *Manager) Release(path, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.claims[path]
	if !ok || e.info.Owner != owner {
		return fmt.Errorf("%s: %w", path, ErrLockNotHeld)
	}
	m.releaseLocked(path, e)
	return nil
}

// ReleaseOwner drops every claim held by owner and returns how many there
// were.
func (m *Manager) ReleaseOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for p, e := range m.claims {
		if e.info.Owner == owner {
			m.releaseLocked(p, e)
			n++
		}
	}
	return n
}

// releaseLocked removes the lock file before unlocking so no other process
// can lock the old inode after we let go. Caller holds m.mu.
func (m *Manager) releaseLocked(path string, e *claimEntry) {
	if e.file != nil {
		if err := os.Remove(e.lockPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove lock file",
				slog.String("path", e.lockPath),
				slog.String("error", err.Error()))
		}
		if err := m.locker.Unlock(e.file); err != nil {
			m.logger.Warn("failed to unlock",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		e.file.Close()
	}
	delete(m.claims, path)
	m.logger.Debug("released path",
		slog.String("path", path),
		slog.String("owner", e.info.Owner))
}

// Holder returns the in-process claim on path.
func (m *Manager) Holder(path string) (LockInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.claims[path]
	if !ok {
		return LockInfo{}, false
	}
	return *e.info, true
}

// Held returns the paths owner holds, sorted.
func (m *Manager) Held(owner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p, e := range m.claims {
		if e.info.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// CleanupStaleLocks removes lock files left by processes that no longer
// hold them. A file is stale when its advisory lock can be taken.
func (m *Manager) CleanupStaleLocks() (int, error) {
	if m.lockDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	m.mu.Lock()
	ours := make(map[string]struct{}, len(m.claims))
	for _, e := range m.claims {
		if e.lockPath != "" {
			ours[e.lockPath] = struct{}{}
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		lockPath := filepath.Join(m.lockDir, entry.Name())
		if _, mine := ours[lockPath]; mine {
			continue
		}

		f, err := os.OpenFile(lockPath, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		if err := m.locker.Lock(f); err != nil {
			f.Close()
			continue
		}
		info := readInfo(f)
		if err := os.Remove(lockPath); err == nil {
			cleaned++
			if info != nil {
				m.logger.Info("removed stale lock",
					slog.String("path", info.Path),
					slog.String("owner", info.Owner),
					slog.Int("pid", info.PID))
			}
		}
		m.locker.Unlock(f)
		f.Close()
	}
	return cleaned, nil
}

// Close releases every claim. Later Acquire calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, e := range m.claims {
		m.releaseLocked(p, e)
	}
	m.closed = true
	return nil
}

// lockPath names the lock file for path. SHA256[:16] of namespace and path
// keeps names short and collision free in practice.
func (m *Manager) lockPath(path string) string {
	sum := sha256.Sum256([]byte(m.namespace + "\x00" + path))
	return filepath.Join(m.lockDir, hex.EncodeToString(sum[:])[:16]+".lock")
}

func writeInfo(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt(data, 0)
	return err
}

func readInfo(f *os.File) *LockInfo {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func sameFile(f *os.File, path string) bool {
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}
