// Package eventlog defines the per-session record of server-to-client events.
//
// A Log assigns each appended event the next sequence number, starting at 1,
// without gaps. Replay walks the retained events in ascending order and is
// how a reconnecting client catches up on what it missed before switching to
// live delivery.
//
// Implementations:
//   - memlog keeps events in process memory (the default).
//   - redislog keeps events in a Redis stream owned by this process.
//
// A Log belongs to exactly one session. It is discarded with Close when the
// session ends; nothing reads it afterwards.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrClosed is returned by every operation on a closed Log.
	ErrClosed = errors.New("event log closed")
	// ErrTruncated is yielded by ReplayFrom when the requested position has
	// been evicted from a bounded log.
	ErrTruncated = errors.New("event log truncated before requested sequence")
)

// TruncatedError is the ErrTruncated element a bounded log yields. Oldest is
// the first sequence number still retained when the replay was attempted.
type TruncatedError struct {
	Oldest uint64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%s (oldest retained %d)", ErrTruncated, e.Oldest)
}

func (e *TruncatedError) Is(target error) bool { return target == ErrTruncated }

// Event is one entry of a Log.
type Event struct {
	// Seq is assigned by Append.
	Seq uint64
	// RequestID is the correlation key of the call that produced the event,
	// or empty for events that belong to the session as a whole.
	RequestID string
	// Data is the encoded wire message.
	Data []byte
}

// Log is an append-only, replayable event sequence.
type Log interface {
	// Append stores ev and returns the sequence number assigned to it. The
	// Seq field of ev is ignored.
	Append(ctx context.Context, ev Event) (uint64, error)

	// ReplayFrom yields every retained event with Seq >= seq in ascending
	// order, up to the last event present when iteration starts. A seq past
	// the end yields nothing. Each iteration starts over.
	ReplayFrom(ctx context.Context, seq uint64) iter.Seq2[Event, error]

	// Last returns the highest assigned sequence number, 0 when empty.
	Last() uint64

	// Close discards the log's storage.
	Close(ctx context.Context) error
}

// Factory creates the Log for a new session.
type Factory func(ctx context.Context, sessionID string) (Log, error)

// Oldest returns the first sequence number still retained by a log holding
// `retained` events whose highest sequence number is last.
func Oldest(last uint64, retained int) uint64 {
	if retained <= 0 {
		return last + 1
	}
	return last - uint64(retained) + 1
}
