package broker

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors shared by the faststore and bridge packages. Checked with
// errors.Is, never used for control flow via string matching.
var (
	// ErrUnauthorized names a release whose agent_id does not match the
	// stored holder. The release paths report that case as a false result
	// and do not return this error.
	ErrUnauthorized = errors.New("broker: caller does not hold this lock")

	// ErrWaitersQueueFull is returned when a waiters queue has reached its
	// configured max_pending_messages cap.
	ErrWaitersQueueFull = errors.New("broker: waiters queue is full")

	// ErrNotConnected is returned by the bridge when a lock operation needs
	// the fast store while it is down and no fallback can serve it.
	ErrNotConnected = errors.New("broker: backend is not connected")

	// ErrInstanceNameRequired names an empty instance name. The faststore
	// constructors reject an empty prefix with their own error, not this
	// one.
	ErrInstanceNameRequired = errors.New("broker: instance name cannot be empty")

	// ErrAgentNotFound is returned when an operation addresses an agent_id
	// that has no presence record.
	ErrAgentNotFound = errors.New("broker: agent is not registered")
)

// IsNotFound reports whether err represents a "key not found" condition in
// the fast store.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
