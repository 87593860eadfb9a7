package coordinator

import "github.com/pkg/errors"

var (
	// ErrLockUnavailable is returned when a lock is already held elsewhere.
	// It is the one typed failure callers are expected to branch on.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrNotHeld is returned when releasing a lock this node does not hold,
	// including leases that expired and were re-acquired by another node.
	ErrNotHeld = errors.New("lock not held")
)
