// Package fallback implements the in-process lock manager used only while
// the fast store is unreachable. It mirrors the fast store's
// read/write/exclusive semantics against an in-memory map, with no TTLs
// and no waiters queue: a degraded mode, not a replacement.
package fallback

import (
	"sync"

	"github.com/coordhub/coordhub/pkg/broker"
)

type key struct {
	workspaceID string
	filePath    string
}

// Manager is a process-local lock table. The zero value is not usable;
// construct with New. Safe for concurrent use; no operation here blocks
// while holding the mutex.
type Manager struct {
	mu     sync.Mutex
	locks  map[key]*broker.LockRecord
	nextID uint64
}

// New creates an empty fallback lock manager.
func New() *Manager {
	return &Manager{locks: make(map[key]*broker.LockRecord)}
}

// RequestLock attempts to acquire kind on (workspaceID, filePath) for
// agentID. Returns ("", false) when the request conflicts; the fallback
// manager never enqueues a waiter.
func (m *Manager) RequestLock(agentID, workspaceID, filePath string, kind broker.LockKind) (lockID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{workspaceID, filePath}
	rec, exists := m.locks[k]

	if kind.IsExclusive() {
		if exists {
			return "", false
		}
		m.nextID++
		lockID = fallbackLockID(workspaceID, filePath, broker.HolderKindExclusive, "")
		m.locks[k] = &broker.LockRecord{
			LockID:      lockID,
			WorkspaceID: workspaceID,
			FilePath:    filePath,
			HolderKind:  broker.HolderKindExclusive,
			AgentID:     agentID,
			LockType:    kind,
		}
		return lockID, true
	}

	// Read request.
	if !exists {
		m.nextID++
		rec = &broker.LockRecord{
			WorkspaceID: workspaceID,
			FilePath:    filePath,
			HolderKind:  broker.HolderKindReaders,
			LockType:    broker.LockKindRead,
		}
		m.locks[k] = rec
	} else if rec.HolderKind == broker.HolderKindExclusive {
		return "", false
	}

	if !rec.HasReader(agentID) {
		rec.Readers = append(rec.Readers, agentID)
	}
	return fallbackLockID(workspaceID, filePath, broker.HolderKindReaders, agentID), true
}

// ReleaseLock releases the lock on (workspaceID, filePath) on behalf of
// agentID. Returns true only when agentID genuinely held it.
func (m *Manager) ReleaseLock(agentID, workspaceID, filePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{workspaceID, filePath}
	rec, exists := m.locks[k]
	if !exists {
		return false
	}

	if rec.HolderKind == broker.HolderKindExclusive {
		if rec.AgentID != agentID {
			return false
		}
		delete(m.locks, k)
		return true
	}

	if !rec.HasReader(agentID) {
		return false
	}
	rec.Readers = removeReader(rec.Readers, agentID)
	if len(rec.Readers) == 0 {
		delete(m.locks, k)
	}
	return true
}

// Snapshot returns a copy of the current lock record for (workspaceID,
// filePath), or nil if no record exists. Fallback locks are never
// migrated back to the fast store after it recovers; they stay here,
// orphaned, until their holders release them. Snapshot exposes them for
// inspection; the bridge does not call it.
func (m *Manager) Snapshot(workspaceID, filePath string) *broker.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.locks[key{workspaceID, filePath}]
	if !exists {
		return nil
	}
	cp := *rec
	cp.Readers = append([]string{}, rec.Readers...)
	return &cp
}

func removeReader(readers []string, agentID string) []string {
	out := readers[:0]
	for _, a := range readers {
		if a != agentID {
			out = append(out, a)
		}
	}
	return out
}

// fallbackLockID encodes the holder kind and (for readers) the agent id
// directly in the lock id, so release needs nothing but the id itself.
func fallbackLockID(workspaceID, filePath string, holderKind broker.HolderKind, agentID string) string {
	return broker.LockID{
		Fallback:    true,
		WorkspaceID: workspaceID,
		FilePath:    filePath,
		HolderKind:  holderKind,
		AgentID:     agentID,
	}.String()
}
