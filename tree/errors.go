package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is wrapped by every rejected call argument.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNodeNotManaged is returned for nodes the session does not manage.
	ErrNodeNotManaged = fmt.Errorf("%w: node is not managed by the session", ErrInvalidArgument)
	// ErrWrongClass is returned for nodes of a class the repository does not serve.
	ErrWrongClass = fmt.Errorf("%w: node is not related to this repository", ErrInvalidArgument)
	// ErrInvalidSort is returned for unknown sort fields or directions.
	ErrInvalidSort = fmt.Errorf("%w: invalid sort options", ErrInvalidArgument)
	// ErrCyclicMove is returned when a node would become its own ancestor.
	ErrCyclicMove = fmt.Errorf("%w: node cannot be moved under itself or its descendants", ErrInvalidArgument)
	// ErrInvalidSegment is returned when a path segment contains the separator.
	ErrInvalidSegment = fmt.Errorf("%w: path segment contains the separator", ErrInvalidArgument)
	// ErrNotTree is returned for classes without a tree configuration.
	ErrNotTree = fmt.Errorf("%w: class is not a tree", ErrInvalidArgument)

	// ErrConsistencyTransaction marks a structural change that failed and
	// was rolled back.
	ErrConsistencyTransaction = errors.New("consistency transaction failed")
	// ErrPathCollision is returned when a computed path is already taken.
	ErrPathCollision = errors.New("path collision")
	// ErrConcurrentModification is returned when a stored path changed
	// after the node was loaded.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrLockTimeout is returned when a tree lock cannot be acquired in time.
	ErrLockTimeout = errors.New("tree lock timeout")
	// ErrReentrantFlush is returned when pending operations are drained
	// while a drain is running.
	ErrReentrantFlush = errors.New("pending tree operations are already being processed")
)

// ConsistencyError wraps a storage failure of a multi-step tree change. The
// change it belongs to was rolled back as a whole.
type ConsistencyError struct {
	Op    string
	Class string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrConsistencyTransaction, e.Op, e.Class, e.Err)
}

func (e *ConsistencyError) Unwrap() []error {
	return []error{ErrConsistencyTransaction, e.Err}
}

func consistencyError(op, class string, err error) error {
	var ce *ConsistencyError
	if errors.As(err, &ce) {
		return err
	}
	return &ConsistencyError{Op: op, Class: class, Err: err}
}
