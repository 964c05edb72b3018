// Package eventlogtest is a conformance suite for eventlog.Log implementations.
package eventlogtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
)

// LogFactory creates a new, empty Log for one test.
type LogFactory func(t *testing.T) eventlog.Log

// BoundedLogFactory creates a new, empty Log retaining at most capacity events.
type BoundedLogFactory func(t *testing.T, capacity int) eventlog.Log

// RunLogTests runs the complete Log test suite against the provided factory.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("Append_AssignsGaplessSequenceFromOne", func(t *testing.T) { testAppendAssignsSequence(t, factory) })
	t.Run("Replay_FromOneYieldsEverythingInOrder", func(t *testing.T) { testReplayFromOne(t, factory) })
	t.Run("Replay_FromMiddle", func(t *testing.T) { testReplayFromMiddle(t, factory) })
	t.Run("Replay_PastEndIsEmpty", func(t *testing.T) { testReplayPastEnd(t, factory) })
	t.Run("Replay_IsRestartable", func(t *testing.T) { testReplayRestartable(t, factory) })
	t.Run("Replay_SnapshotsAtStart", func(t *testing.T) { testReplaySnapshot(t, factory) })
	t.Run("Replay_PreservesRequestID", func(t *testing.T) { testReplayRequestID(t, factory) })
	t.Run("Append_ConcurrentAppendsStayGapless", func(t *testing.T) { testConcurrentAppends(t, factory) })
	t.Run("Close_RejectsFurtherUse", func(t *testing.T) { testClose(t, factory) })
}

// RunBoundedLogTests checks eviction behavior of bounded logs.
func RunBoundedLogTests(t *testing.T, factory BoundedLogFactory) {
	t.Run("Bounded_ReplayWithinWindow", func(t *testing.T) {
		ctx := context.Background()
		l := factory(t, 3)
		appendN(t, l, 5)

		got := collect(t, l, 3)
		if want := []uint64{3, 4, 5}; !equalSeqs(seqs(got), want) {
			t.Fatalf("expected %v, got %v", want, seqs(got))
		}
		_ = l.Close(ctx)
	})
	t.Run("Bounded_ReplayBeforeWindowIsTruncated", func(t *testing.T) {
		ctx := context.Background()
		l := factory(t, 3)
		appendN(t, l, 5)

		for _, err := range l.ReplayFrom(ctx, 2) {
			if !errors.Is(err, eventlog.ErrTruncated) {
				t.Fatalf("expected ErrTruncated, got %v", err)
			}
			var te *eventlog.TruncatedError
			if !errors.As(err, &te) || te.Oldest != 3 {
				t.Fatalf("expected oldest retained 3, got %v", err)
			}
			return
		}
		t.Fatal("expected an error element")
	})
}

func appendN(t *testing.T, l eventlog.Log, n int) []eventlog.Event {
	t.Helper()
	ctx := context.Background()
	out := make([]eventlog.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := eventlog.Event{Data: []byte(fmt.Sprintf(`{"n":%d}`, i+1))}
		seq, err := l.Append(ctx, ev)
		if err != nil {
			t.Fatalf("append %d: %v", i+1, err)
		}
		ev.Seq = seq
		out = append(out, ev)
	}
	return out
}

func collect(t *testing.T, l eventlog.Log, from uint64) []eventlog.Event {
	t.Helper()
	var out []eventlog.Event
	for ev, err := range l.ReplayFrom(context.Background(), from) {
		if err != nil {
			t.Fatalf("replay from %d: %v", from, err)
		}
		out = append(out, ev)
	}
	return out
}

func seqs(evs []eventlog.Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Seq
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testAppendAssignsSequence(t *testing.T, factory LogFactory) {
	l := factory(t)
	if got := l.Last(); got != 0 {
		t.Fatalf("expected empty log to report 0, got %d", got)
	}
	evs := appendN(t, l, 4)
	for i, ev := range evs {
		if want := uint64(i + 1); ev.Seq != want {
			t.Fatalf("append %d: expected seq %d, got %d", i, want, ev.Seq)
		}
	}
	if got := l.Last(); got != 4 {
		t.Fatalf("expected last 4, got %d", got)
	}
}

func testReplayFromOne(t *testing.T, factory LogFactory) {
	l := factory(t)
	want := appendN(t, l, 5)
	got := collect(t, l, 1)
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Seq != want[i].Seq || string(got[i].Data) != string(want[i].Data) {
			t.Fatalf("event %d: expected (%d, %s), got (%d, %s)", i, want[i].Seq, want[i].Data, got[i].Seq, got[i].Data)
		}
	}

	// Zero is treated as the start of the log.
	if got := collect(t, l, 0); len(got) != len(want) {
		t.Fatalf("replay from 0: expected %d events, got %d", len(want), len(got))
	}
}

func testReplayFromMiddle(t *testing.T, factory LogFactory) {
	l := factory(t)
	appendN(t, l, 6)
	got := collect(t, l, 4)
	if want := []uint64{4, 5, 6}; !equalSeqs(seqs(got), want) {
		t.Fatalf("expected %v, got %v", want, seqs(got))
	}
}

func testReplayPastEnd(t *testing.T, factory LogFactory) {
	l := factory(t)
	if got := collect(t, l, 1); len(got) != 0 {
		t.Fatalf("expected empty replay on empty log, got %d events", len(got))
	}
	appendN(t, l, 3)
	for _, from := range []uint64{4, 5, 1000} {
		if got := collect(t, l, from); len(got) != 0 {
			t.Fatalf("replay from %d: expected empty, got %v", from, seqs(got))
		}
	}
}

func testReplayRestartable(t *testing.T, factory LogFactory) {
	l := factory(t)
	appendN(t, l, 3)
	seq := l.ReplayFrom(context.Background(), 1)

	var first, second []uint64
	for ev, err := range seq {
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		first = append(first, ev.Seq)
		if ev.Seq == 2 {
			break
		}
	}
	for ev, err := range seq {
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		second = append(second, ev.Seq)
	}
	if !equalSeqs(first, []uint64{1, 2}) || !equalSeqs(second, []uint64{1, 2, 3}) {
		t.Fatalf("expected [1 2] then [1 2 3], got %v then %v", first, second)
	}
}

func testReplaySnapshot(t *testing.T, factory LogFactory) {
	l := factory(t)
	appendN(t, l, 2)

	var got []uint64
	for ev, err := range l.ReplayFrom(context.Background(), 1) {
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		got = append(got, ev.Seq)
		if ev.Seq == 1 {
			// Appends during iteration are not part of this pass.
			appendN(t, l, 1)
		}
	}
	if !equalSeqs(got, []uint64{1, 2}) {
		t.Fatalf("expected [1 2], got %v", got)
	}
	if l.Last() != 3 {
		t.Fatalf("expected last 3, got %d", l.Last())
	}
}

func testReplayRequestID(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	if _, err := l.Append(ctx, eventlog.Event{RequestID: "n:7", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, eventlog.Event{Data: []byte(`{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := collect(t, l, 1)
	if len(got) != 2 || got[0].RequestID != "n:7" || got[1].RequestID != "" {
		t.Fatalf("unexpected request ids: %+v", got)
	}
}

func testConcurrentAppends(t *testing.T, factory LogFactory) {
	l := factory(t)
	const workers, per = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := l.Append(context.Background(), eventlog.Event{Data: []byte(`{}`)}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got := collect(t, l, 1)
	if len(got) != workers*per {
		t.Fatalf("expected %d events, got %d", workers*per, len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d at index %d, got %d", i+1, i, ev.Seq)
		}
	}
}

func testClose(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	appendN(t, l, 2)

	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := l.Append(ctx, eventlog.Event{Data: []byte(`{}`)}); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("expected ErrClosed from append, got %v", err)
	}
	for _, err := range l.ReplayFrom(ctx, 1) {
		if !errors.Is(err, eventlog.ErrClosed) {
			t.Fatalf("expected ErrClosed from replay, got %v", err)
		}
	}
}
