package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke a stop_typing goes
// out.
const DefaultTypingIdle = 3 * time.Second

// TypingEmitter is the slice of the socket the notifier needs. *Socket
// satisfies it.
type TypingEmitter interface {
	StartTyping(ctx context.Context, conversationID, receiverID string) error
	StopTyping(ctx context.Context, conversationID, receiverID string) error
}

// TypingNotifier debounces the local user's typing announcements for one
// thread at a time. Keystroke emits typing once per burst and re-arms an
// idle timer; the timer firing, Stop, or a thread switch emits stop_typing.
// The receive-side tracker in State carries no timers; this is purely the
// sender's concern.
type TypingNotifier struct {
	emitter TypingEmitter
	idle    time.Duration

	mu         sync.Mutex
	convID     string
	receiverID string
	typing     bool
	timer      *time.Timer
}

// NewTypingNotifier creates a notifier over the given emitter.
func NewTypingNotifier(emitter TypingEmitter) *TypingNotifier {
	return &TypingNotifier{
		emitter: emitter,
		idle:    DefaultTypingIdle,
	}
}

// SetThread points the notifier at a conversation. receiverID is the
// counterpart for direct chats, empty for groups. Switching away from a
// thread with an announcement outstanding retracts it first.
func (t *TypingNotifier) SetThread(conversationID, receiverID string) {
	t.mu.Lock()
	prevConv, prevRecv, wasTyping := t.convID, t.receiverID, t.typing
	t.convID = conversationID
	t.receiverID = receiverID
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasTyping && prevConv != "" && prevConv != conversationID {
		t.emitter.StopTyping(context.Background(), prevConv, prevRecv)
	}
}

// Keystroke records typing activity. The first keystroke of a burst emits
// typing; every keystroke pushes the idle deadline out.
func (t *TypingNotifier) Keystroke(ctx context.Context) {
	t.mu.Lock()
	convID, receiverID := t.convID, t.receiverID
	if convID == "" {
		t.mu.Unlock()
		return
	}
	first := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, t.idleFired)
	t.mu.Unlock()

	if first {
		t.emitter.StartTyping(ctx, convID, receiverID)
	}
}

// Stop retracts an outstanding announcement immediately, typically on send.
func (t *TypingNotifier) Stop(ctx context.Context) {
	t.mu.Lock()
	convID, receiverID := t.convID, t.receiverID
	wasTyping := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasTyping && convID != "" {
		t.emitter.StopTyping(ctx, convID, receiverID)
	}
}

func (t *TypingNotifier) idleFired() {
	t.mu.Lock()
	convID, receiverID := t.convID, t.receiverID
	wasTyping := t.typing
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	if wasTyping && convID != "" {
		t.emitter.StopTyping(context.Background(), convID, receiverID)
	}
}
