package sessions

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
)

// Subscription is a cursor over a session's event log that follows new
// appends. It is used by one response stream at a time.
type Subscription struct {
	s      *Session
	events eventlog.Log
	cursor uint64

	signal chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Cursor returns the next sequence number the subscription will deliver.
func (sub *Subscription) Cursor() uint64 { return sub.cursor }

// Events replays from the cursor, then waits for appends. The sequence ends
// when ctx is done, the subscription is closed or the session terminates. An
// error element is yielded only for storage failures.
//
// Subscribe rejects a position that is already evicted. If a bounded log
// evicts events while this subscriber is still behind, the cursor moves to
// the oldest retained event and the eviction is logged.
func (sub *Subscription) Events(ctx context.Context) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		for {
			skipped := false
			for ev, err := range sub.events.ReplayFrom(ctx, sub.cursor) {
				if err != nil {
					var te *eventlog.TruncatedError
					switch {
					case errors.Is(err, eventlog.ErrClosed) || ctx.Err() != nil:
						return
					case errors.As(err, &te) && te.Oldest > sub.cursor:
						sub.s.lagged(ctx, sub.cursor, te.Oldest)
						sub.cursor = te.Oldest
						skipped = true
					default:
						yield(eventlog.Event{}, err)
						return
					}
					break
				}
				sub.cursor = ev.Seq + 1
				if !yield(ev, nil) {
					return
				}
			}
			if skipped {
				continue
			}

			select {
			case <-sub.signal:
			case <-sub.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close detaches the subscription from its session.
func (sub *Subscription) Close() {
	sub.s.unsubscribe(sub)
	sub.close()
}

// Closed is closed when the subscription ends.
func (sub *Subscription) Closed() <-chan struct{} { return sub.closed }

func (sub *Subscription) notify() {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) close() {
	sub.closeOnce.Do(func() { close(sub.closed) })
}
