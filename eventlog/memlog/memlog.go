// Package memlog is the in-memory eventlog.Log implementation.
package memlog

import (
	"context"
	"iter"
	"sync"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
)

// Option configures a Log.
type Option func(*Log)

// WithCapacity bounds the number of retained events. Zero or negative keeps
// every event.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// Log keeps events in a slice guarded by a RWMutex.
type Log struct {
	mu       sync.RWMutex
	events   []eventlog.Event
	last     uint64
	capacity int
	closed   bool
}

var _ eventlog.Log = (*Log)(nil)

// New creates an empty, unbounded Log unless WithCapacity is supplied.
func New(opts ...Option) *Log {
	l := &Log{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Factory returns an eventlog.Factory producing Logs configured with opts.
func Factory(opts ...Option) eventlog.Factory {
	return func(context.Context, string) (eventlog.Log, error) {
		return New(opts...), nil
	}
}

func (l *Log) Append(ctx context.Context, ev eventlog.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, eventlog.ErrClosed
	}

	l.last++
	ev.Seq = l.last
	l.events = append(l.events, ev)

	if l.capacity > 0 && len(l.events) > l.capacity {
		// Copy so the evicted prefix can be collected.
		kept := make([]eventlog.Event, l.capacity, l.capacity+1)
		copy(kept, l.events[len(l.events)-l.capacity:])
		l.events = kept
	}

	return ev.Seq, nil
}

func (l *Log) ReplayFrom(ctx context.Context, seq uint64) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		snapshot, err := l.snapshot(seq)
		if err != nil {
			yield(eventlog.Event{}, err)
			return
		}
		for _, ev := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(eventlog.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (l *Log) snapshot(seq uint64) ([]eventlog.Event, error) {
	if seq == 0 {
		seq = 1
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, eventlog.ErrClosed
	}
	if seq > l.last {
		return nil, nil
	}

	oldest := eventlog.Oldest(l.last, len(l.events))
	if seq < oldest {
		return nil, &eventlog.TruncatedError{Oldest: oldest}
	}

	start := int(seq - oldest)
	out := make([]eventlog.Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out, nil
}

func (l *Log) Last() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

func (l *Log) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.events = nil
	return nil
}
