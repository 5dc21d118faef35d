package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

type typingCall struct {
	event  string
	convID string
	recvID string
}

type fakeTypingEmitter struct {
	mu    sync.Mutex
	calls []typingCall
}

func (f *fakeTypingEmitter) StartTyping(ctx context.Context, conversationID, receiverID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, typingCall{"typing", conversationID, receiverID})
	f.mu.Unlock()
	return nil
}

func (f *fakeTypingEmitter) StopTyping(ctx context.Context, conversationID, receiverID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, typingCall{"stop_typing", conversationID, receiverID})
	f.mu.Unlock()
	return nil
}

func (f *fakeTypingEmitter) snapshot() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.calls...)
}

func newTestNotifier(idle time.Duration) (*TypingNotifier, *fakeTypingEmitter) {
	emitter := &fakeTypingEmitter{}
	n := NewTypingNotifier(emitter)
	n.idle = idle
	return n, emitter
}

func TestTypingNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("a keystroke burst emits one typing", func(t *testing.T) {
		n, emitter := newTestNotifier(time.Hour)
		n.SetThread("c1", "u-bob")
		for i := 0; i < 5; i++ {
			n.Keystroke(ctx)
		}
		calls := emitter.snapshot()
		if len(calls) != 1 || calls[0].event != "typing" || calls[0].convID != "c1" {
			t.Fatalf("calls = %+v", calls)
		}
	})

	t.Run("idle fires one stop_typing", func(t *testing.T) {
		n, emitter := newTestNotifier(20 * time.Millisecond)
		n.SetThread("c1", "u-bob")
		n.Keystroke(ctx)

		deadline := time.Now().Add(2 * time.Second)
		for {
			calls := emitter.snapshot()
			if len(calls) == 2 {
				if calls[1].event != "stop_typing" {
					t.Fatalf("calls = %+v", calls)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("stop_typing never fired, calls = %+v", calls)
			}
			time.Sleep(5 * time.Millisecond)
		}

		// A later keystroke starts a fresh burst.
		n.Keystroke(ctx)
		calls := emitter.snapshot()
		if len(calls) != 3 || calls[2].event != "typing" {
			t.Fatalf("calls = %+v", calls)
		}
	})

	t.Run("stop retracts immediately", func(t *testing.T) {
		n, emitter := newTestNotifier(time.Hour)
		n.SetThread("c1", "u-bob")
		n.Keystroke(ctx)
		n.Stop(ctx)
		calls := emitter.snapshot()
		if len(calls) != 2 || calls[1].event != "stop_typing" {
			t.Fatalf("calls = %+v", calls)
		}

		// Stop without an outstanding announcement is silent.
		n.Stop(ctx)
		if got := emitter.snapshot(); len(got) != 2 {
			t.Fatalf("calls = %+v", got)
		}
	})

	t.Run("thread switch retracts on the old thread", func(t *testing.T) {
		n, emitter := newTestNotifier(time.Hour)
		n.SetThread("c1", "u-bob")
		n.Keystroke(ctx)
		n.SetThread("c2", "u-carol")
		calls := emitter.snapshot()
		if len(calls) != 2 || calls[1].event != "stop_typing" || calls[1].convID != "c1" {
			t.Fatalf("calls = %+v", calls)
		}

		n.Keystroke(ctx)
		calls = emitter.snapshot()
		if len(calls) != 3 || calls[2].convID != "c2" {
			t.Fatalf("calls = %+v", calls)
		}
	})

	t.Run("keystroke without a thread is a no-op", func(t *testing.T) {
		n, emitter := newTestNotifier(time.Hour)
		n.Keystroke(ctx)
		if got := emitter.snapshot(); len(got) != 0 {
			t.Fatalf("calls = %+v", got)
		}
	})
}
