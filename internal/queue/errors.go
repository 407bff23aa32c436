package queue

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// Errors returned by Queue and Compactor.
//
// The back-pressure errors (ErrCapacityExhausted, ErrEmpty, ErrSpillInProgress)
// wrap iox.ErrWouldBlock: the operation did not happen now but may succeed
// if retried later. Use IsWouldBlock to test for that whole class.
var (
	ErrTooLarge          = errors.New("queue: message exceeds maximum element size")
	ErrInvalidLength     = errors.New("queue: invalid length")
	ErrClosed            = errors.New("queue: closed")
	ErrCapacityExhausted = fmt.Errorf("queue: capacity exhausted: %w", iox.ErrWouldBlock)
	ErrEmpty             = fmt.Errorf("queue: empty: %w", iox.ErrWouldBlock)
	ErrSpillInProgress   = fmt.Errorf("queue: spill campaign already in progress: %w", iox.ErrWouldBlock)

	// ErrAlreadySpilled and ErrNotSpilled are returned by residency
	// transitions that do not apply to the message's current state.
	ErrAlreadySpilled = errors.New("queue: message already spilled")
	ErrNotSpilled     = errors.New("queue: message not spilled")
)

// IsWouldBlock reports whether err is a transient back-pressure condition
// (full queue, empty queue, or a spill campaign already running).
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}
