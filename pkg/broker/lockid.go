package broker

import (
	"fmt"
	"strings"
)

// Lock id schemes. A lock id carries the workspace, path, and holder kind
// so release needs no lookup table; the holder check still consults the
// stored record.
const (
	lockIDSchemeFast     = "lock"
	lockIDSchemeFallback = "fallback"
)

// LockID is the decoded form of a lock identifier handed to callers on
// acquisition.
type LockID struct {
	Fallback    bool
	WorkspaceID string
	FilePath    string
	HolderKind  HolderKind
	AgentID     string // set for reader slots only
}

// String encodes the id. Reader slots carry the owning agent so two
// readers of the same file hold distinguishable ids.
func (id LockID) String() string {
	scheme := lockIDSchemeFast
	if id.Fallback {
		scheme = lockIDSchemeFallback
	}
	s := fmt.Sprintf("%s:%s:%s:%s", scheme, id.WorkspaceID, id.FilePath, id.HolderKind)
	if id.AgentID != "" {
		s += ":" + id.AgentID
	}
	return s
}

// ParseLockID decodes a lock id produced by either backend. The file path
// may contain colons, so the holder-kind token is located from the right.
func ParseLockID(s string) (LockID, error) {
	var id LockID
	switch {
	case strings.HasPrefix(s, lockIDSchemeFast+":"):
		s = strings.TrimPrefix(s, lockIDSchemeFast+":")
	case strings.HasPrefix(s, lockIDSchemeFallback+":"):
		id.Fallback = true
		s = strings.TrimPrefix(s, lockIDSchemeFallback+":")
	default:
		return id, fmt.Errorf("malformed lock id: %q", s)
	}

	ws, rest, ok := strings.Cut(s, ":")
	if !ok || ws == "" {
		return id, fmt.Errorf("malformed lock id: missing workspace")
	}
	id.WorkspaceID = ws

	if i := strings.LastIndex(rest, ":"+string(HolderKindExclusive)); i >= 0 && rest[i+1:] == string(HolderKindExclusive) {
		id.HolderKind = HolderKindExclusive
		id.FilePath = rest[:i]
		return id, nil
	}
	marker := ":" + string(HolderKindReaders) + ":"
	if i := strings.LastIndex(rest, marker); i >= 0 {
		id.HolderKind = HolderKindReaders
		id.FilePath = rest[:i]
		id.AgentID = rest[i+len(marker):]
		if id.AgentID == "" {
			return id, fmt.Errorf("malformed lock id: reader slot without agent")
		}
		return id, nil
	}
	return id, fmt.Errorf("malformed lock id: missing holder kind")
}
