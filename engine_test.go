package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeFetcher struct {
	mu      sync.Mutex
	history map[string][]Message
	err     error

	// When gateConv matches, History signals entered and blocks until
	// release closes. Used to simulate a slow fetch racing a thread switch.
	gateConv string
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeFetcher) History(ctx context.Context, conversationID string) ([]Message, error) {
	if f.gateConv != "" && conversationID == f.gateConv {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.history[conversationID], nil
}

type emitted struct {
	event string
	msg   *OutgoingMessage
	id    string
}

type fakeEmitter struct {
	mu    sync.Mutex
	calls []emitted
}

func (f *fakeEmitter) record(e emitted) {
	f.mu.Lock()
	f.calls = append(f.calls, e)
	f.mu.Unlock()
}

func (f *fakeEmitter) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	f.record(emitted{event: "send_message", msg: msg})
	return nil
}

func (f *fakeEmitter) SendGroupMessage(ctx context.Context, msg *OutgoingMessage) error {
	f.record(emitted{event: "send_group_message", msg: msg})
	return nil
}

func (f *fakeEmitter) MarkMessageSeen(ctx context.Context, messageID, senderID string) error {
	f.record(emitted{event: "mark_message_seen", id: messageID})
	return nil
}

func (f *fakeEmitter) JoinGroup(ctx context.Context, groupID string) error {
	f.record(emitted{event: "join_group", id: groupID})
	return nil
}

func (f *fakeEmitter) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, c := range f.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine(fetcher *fakeFetcher, emitter *fakeEmitter) *Engine {
	if fetcher == nil {
		fetcher = &fakeFetcher{history: map[string][]Message{}}
	}
	if emitter == nil {
		emitter = &fakeEmitter{}
	}
	return NewEngine(NewState(), fetcher, emitter, alice)
}

func seedDirectory(e *Engine) {
	e.SetConversations([]Conversation{
		makeDirectConv("c1", alice, bob),
		makeDirectConv("c2", alice, carol),
	})
}

// ============================================================================
// Activation
// ============================================================================

func TestActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("loads history and enters active phase", func(t *testing.T) {
		fetcher := &fakeFetcher{history: map[string][]Message{
			"c1": {makeMsg("m1", "c1", bob, "hey"), makeMsg("m2", "c1", alice, "hi")},
		}}
		e := newTestEngine(fetcher, nil)
		seedDirectory(e)

		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}
		if e.Phase() != PhaseActive {
			t.Fatalf("phase = %s, want active", e.Phase())
		}
		e.View(func(s *State) {
			if got := s.Messages(); len(got) != 2 || got[0].ID != "m1" {
				t.Fatalf("buffer = %+v", got)
			}
		})
	})

	t.Run("activation zeroes unread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		e.HandleMessage(makeMsg("m1", "c1", bob, "ping"))

		e.View(func(s *State) {
			if s.UnreadCount("c1") != 1 {
				t.Fatal("setup: expected one unread")
			}
		})
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}
		e.View(func(s *State) {
			if s.UnreadCount("c1") != 0 {
				t.Fatal("activation must zero unread")
			}
		})
	})

	t.Run("fetch error keeps the thread active with an empty buffer", func(t *testing.T) {
		fetcher := &fakeFetcher{err: errors.New("boom")}
		e := newTestEngine(fetcher, nil)
		seedDirectory(e)

		err := e.Activate(ctx, makeDirectConv("c1", alice, bob))
		if err == nil {
			t.Fatal("expected an error")
		}
		if e.Phase() != PhaseActive {
			t.Fatalf("phase = %s, want active", e.Phase())
		}
		e.View(func(s *State) {
			if s.ActiveConversationID() != "c1" {
				t.Fatal("thread should stay active")
			}
			if len(s.Messages()) != 0 {
				t.Fatal("buffer must stay empty")
			}
		})
	})

	t.Run("stale fetch result is discarded", func(t *testing.T) {
		fetcher := &fakeFetcher{
			history: map[string][]Message{
				"c1": {makeMsg("old-1", "c1", bob, "old thread")},
				"c2": {makeMsg("new-1", "c2", carol, "new thread")},
			},
			gateConv: "c1",
			entered:  make(chan struct{}, 1),
			release:  make(chan struct{}),
		}
		e := newTestEngine(fetcher, nil)
		seedDirectory(e)

		done := make(chan error, 1)
		go func() {
			done <- e.Activate(ctx, makeDirectConv("c1", alice, bob))
		}()
		<-fetcher.entered

		// Switch threads while the first fetch is in flight, then let it
		// finish late.
		if err := e.Activate(ctx, makeDirectConv("c2", alice, carol)); err != nil {
			t.Fatalf("second activate: %v", err)
		}
		close(fetcher.release)
		if err := <-done; err != nil {
			t.Fatalf("first activate: %v", err)
		}

		e.View(func(s *State) {
			if s.ActiveConversationID() != "c2" {
				t.Fatalf("active = %s, want c2", s.ActiveConversationID())
			}
			msgs := s.Messages()
			for _, m := range msgs {
				if m.ID == "old-1" {
					t.Fatal("stale history leaked into the new thread")
				}
			}
			if len(msgs) != 1 || msgs[0].ID != "new-1" {
				t.Fatalf("buffer = %+v", msgs)
			}
		})
	})

	t.Run("deactivate clears the thread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}
		e.Deactivate()
		if e.Phase() != PhaseInactive {
			t.Fatalf("phase = %s, want inactive", e.Phase())
		}
		e.View(func(s *State) {
			if s.ActiveConversationID() != "" {
				t.Fatal("active id should be empty")
			}
		})
	})
}

func TestActivateGroup(t *testing.T) {
	ctx := context.Background()
	g := Group{
		ID:           "g1",
		Name:         "team",
		Admin:        SenderRef{ID: alice.ID},
		Members:      []User{alice, bob, carol},
		Conversation: ConversationRef{ID: "c-g1"},
	}

	emitter := &fakeEmitter{}
	e := newTestEngine(nil, emitter)
	e.SetGroups([]Group{g})

	if err := e.ActivateGroup(ctx, g); err != nil {
		t.Fatalf("activate group: %v", err)
	}

	if joins := emitter.byEvent("join_group"); len(joins) != 1 || joins[0].id != "g1" {
		t.Fatalf("join_group calls = %+v", joins)
	}
	e.View(func(s *State) {
		if s.ActiveGroupID() != "g1" {
			t.Fatal("active group not set")
		}
		conv, ok := s.ConversationByID("c-g1")
		if !ok || !conv.IsGroup || conv.GroupName != "team" {
			t.Fatalf("directory entry not decorated: %+v", conv)
		}
	})
}

// ============================================================================
// Inbound messages — scenarios
// ============================================================================

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("inbound on the active thread appends without unread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}

		e.HandleMessage(makeMsg("m1", "c1", bob, "hello"))

		e.View(func(s *State) {
			if len(s.Messages()) != 1 {
				t.Fatal("message not appended")
			}
			if s.UnreadCount("c1") != 0 {
				t.Fatal("active thread never counts unread")
			}
			if s.Conversations()[0].ID != "c1" {
				t.Fatal("conversation should move to front")
			}
		})
	})

	t.Run("inbound on an inactive thread bumps unread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}

		e.HandleMessage(makeMsg("m1", "c2", carol, "psst"))

		e.View(func(s *State) {
			if len(s.Messages()) != 0 {
				t.Fatal("inactive thread must not touch the buffer")
			}
			if s.UnreadCount("c2") != 1 {
				t.Fatal("unread not bumped")
			}
			if s.Conversations()[0].ID != "c2" {
				t.Fatal("c2 should move to front")
			}
		})
	})

	t.Run("own echo never counts as unread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		// No active thread at all; echo lands on an inactive conversation.
		e.HandleMessage(makeMsg("m1", "c1", alice, "sent elsewhere"))
		e.View(func(s *State) {
			if s.UnreadCount("c1") != 0 {
				t.Fatal("own messages are never unread")
			}
			if s.Conversations()[0].ID != "c1" {
				t.Fatal("own activity still reorders the directory")
			}
		})
	})

	t.Run("unknown conversation without a snapshot still counts unread", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		e.HandleMessage(makeMsg("m1", "c-unlisted", carol, "early bird"))
		e.View(func(s *State) {
			if s.UnreadCount("c-unlisted") != 1 {
				t.Fatalf("unread = %d, want 1", s.UnreadCount("c-unlisted"))
			}
			// The directory itself stays untouched until a snapshot or
			// refresh brings the conversation in.
			if len(s.Conversations()) != 2 {
				t.Fatal("directory must not invent entries")
			}
		})
	})

	t.Run("redelivery is idempotent", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}
		m := makeMsg("m1", "c1", bob, "once")
		e.HandleMessage(m)
		e.HandleMessage(m)
		e.View(func(s *State) {
			if len(s.Messages()) != 1 {
				t.Fatal("redelivered message must not duplicate")
			}
		})
	})

	t.Run("a message retracts its sender's typing indicator", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		e.HandleTyping(TypingEvent{ConversationID: "c1", Username: "bob"}, true)
		e.HandleMessage(makeMsg("m1", "c1", bob, "done typing"))
		e.View(func(s *State) {
			if got := s.TypingUsers("c1"); len(got) != 0 {
				t.Fatalf("typing = %v, want empty", got)
			}
		})
	})
}

// ============================================================================
// Groups over the wire
// ============================================================================

func TestGroupEvents(t *testing.T) {
	ctx := context.Background()
	g := Group{
		ID:           "g1",
		Name:         "team",
		Admin:        SenderRef{ID: bob.ID},
		Members:      []User{alice, bob},
		Conversation: ConversationRef{ID: "c-g1"},
	}

	t.Run("created adds group and directory entry", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleGroupCreated(g)
		e.View(func(s *State) {
			if _, ok := s.GroupByID("g1"); !ok {
				t.Fatal("group missing")
			}
			conv, ok := s.ConversationByID("c-g1")
			if !ok || !conv.IsGroup {
				t.Fatal("directory entry missing or not group-shaped")
			}
		})
	})

	t.Run("updated replaces wholesale", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleGroupCreated(g)
		updated := g
		updated.Name = "renamed"
		updated.Members = []User{alice, bob, carol}
		e.HandleGroupUpdated(updated)
		e.View(func(s *State) {
			got, _ := s.GroupByID("g1")
			if got.Name != "renamed" || len(got.Members) != 3 {
				t.Fatalf("group = %+v", got)
			}
			conv, _ := s.ConversationByID("c-g1")
			if conv.GroupName != "renamed" {
				t.Fatal("directory entry not refreshed")
			}
		})
	})

	t.Run("removing another member shrinks the roster", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleGroupCreated(g)
		e.HandleMemberRemoved(MemberRemovedEvent{GroupID: "g1", UserID: bob.ID})
		e.View(func(s *State) {
			got, _ := s.GroupByID("g1")
			if len(got.Members) != 1 || got.Members[0].ID != alice.ID {
				t.Fatalf("members = %+v", got.Members)
			}
		})
	})

	t.Run("self removal drops the group and force-deactivates", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleGroupCreated(g)
		if err := e.ActivateGroup(ctx, g); err != nil {
			t.Fatalf("activate group: %v", err)
		}

		e.HandleMemberRemoved(MemberRemovedEvent{GroupID: "g1", UserID: alice.ID})

		if e.Phase() != PhaseInactive {
			t.Fatalf("phase = %s, want inactive", e.Phase())
		}
		e.View(func(s *State) {
			if _, ok := s.GroupByID("g1"); ok {
				t.Fatal("group should be gone")
			}
			if s.ActiveConversationID() != "" {
				t.Fatal("thread should be deactivated")
			}
		})
	})

	t.Run("self removal deactivates a group missing from the list", func(t *testing.T) {
		// A group activated straight from a create response, before any
		// listing or group_created event installs it locally.
		e := newTestEngine(nil, nil)
		if err := e.ActivateGroup(ctx, g); err != nil {
			t.Fatalf("activate group: %v", err)
		}

		e.HandleMemberRemoved(MemberRemovedEvent{GroupID: "g1", UserID: alice.ID})

		if e.Phase() != PhaseInactive {
			t.Fatalf("phase = %s, want inactive", e.Phase())
		}
		e.View(func(s *State) {
			if s.ActiveConversationID() != "" {
				t.Fatalf("active conversation = %q after self removal, want deactivated", s.ActiveConversationID())
			}
			if s.ActiveGroupID() != "" {
				t.Fatal("active group should be cleared")
			}
		})
	})

	t.Run("removal for an unknown group is ignored", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleMemberRemoved(MemberRemovedEvent{GroupID: "g-ghost", UserID: alice.ID})
	})
}

// ============================================================================
// Typing and presence
// ============================================================================

func TestTypingAndPresenceEvents(t *testing.T) {
	t.Run("own typing echo is ignored", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		e.HandleTyping(TypingEvent{ConversationID: "c1", Username: alice.Username}, true)
		e.View(func(s *State) {
			if got := s.TypingUsers("c1"); len(got) != 0 {
				t.Fatalf("typing = %v, want empty", got)
			}
		})
	})

	t.Run("offline purges typing through the engine", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		seedDirectory(e)
		e.HandleTyping(TypingEvent{ConversationID: "c1", Username: "bob"}, true)
		e.HandlePresence(bob.ID, true)
		e.HandlePresence(bob.ID, false)
		e.View(func(s *State) {
			if got := s.TypingUsers("c1"); len(got) != 0 {
				t.Fatalf("typing = %v, want empty", got)
			}
			u, _ := s.UserByID(bob.ID)
			if u.IsOnline {
				t.Fatal("bob should be offline")
			}
		})
	})
}

// ============================================================================
// Status
// ============================================================================

func TestStatusEvents(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{history: map[string][]Message{
		"c1": {makeMsg("m1", "c1", alice, "sent by me")},
	}}
	e := newTestEngine(fetcher, nil)
	seedDirectory(e)
	if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
		t.Fatalf("activate: %v", err)
	}

	e.HandleStatus(MessageStatusEvent{MessageID: "m1", Status: StatusSeen})

	e.View(func(s *State) {
		if got := s.Messages()[0].Status; got != StatusSeen {
			t.Fatalf("status = %s, want seen", got)
		}
	})
}

// ============================================================================
// Outbound intents
// ============================================================================

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("direct thread resolves the counterpart", func(t *testing.T) {
		emitter := &fakeEmitter{}
		e := newTestEngine(nil, emitter)
		seedDirectory(e)
		if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
			t.Fatalf("activate: %v", err)
		}

		if err := e.Send(ctx, OutgoingMessage{Content: "hi", Type: MessageText}); err != nil {
			t.Fatalf("send: %v", err)
		}

		sends := emitter.byEvent("send_message")
		if len(sends) != 1 {
			t.Fatalf("send_message calls = %d", len(sends))
		}
		if sends[0].msg.ReceiverID != bob.ID {
			t.Fatalf("receiver = %s, want %s", sends[0].msg.ReceiverID, bob.ID)
		}
		if sends[0].msg.ConversationID != "c1" {
			t.Fatalf("conversation id = %q, want c1", sends[0].msg.ConversationID)
		}
	})

	t.Run("group thread goes out as a group message", func(t *testing.T) {
		g := Group{
			ID:           "g1",
			Name:         "team",
			Members:      []User{alice, bob},
			Conversation: ConversationRef{ID: "c-g1"},
		}
		emitter := &fakeEmitter{}
		e := newTestEngine(nil, emitter)
		e.SetGroups([]Group{g})
		if err := e.ActivateGroup(ctx, g); err != nil {
			t.Fatalf("activate group: %v", err)
		}

		if err := e.Send(ctx, OutgoingMessage{Content: "all hands"}); err != nil {
			t.Fatalf("send: %v", err)
		}

		sends := emitter.byEvent("send_group_message")
		if len(sends) != 1 || sends[0].msg.ConversationID != "c-g1" {
			t.Fatalf("group sends = %+v", sends)
		}
	})

	t.Run("no active thread is an error", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		if err := e.Send(ctx, OutgoingMessage{Content: "into the void"}); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestForward(t *testing.T) {
	ctx := context.Background()
	g := Group{
		ID:           "g1",
		Name:         "team",
		Members:      []User{alice, bob},
		Conversation: ConversationRef{ID: "c-g1"},
	}

	emitter := &fakeEmitter{}
	e := newTestEngine(nil, emitter)
	seedDirectory(e)
	e.HandleGroupCreated(g)

	src := makeMsg("m-src", "c-elsewhere", bob, "** bob joined **")
	src.Type = MessageSystem

	if err := e.Forward(ctx, src, []string{"c2", "c-g1"}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	direct := emitter.byEvent("send_message")
	if len(direct) != 1 || direct[0].msg.ReceiverID != carol.ID {
		t.Fatalf("direct forwards = %+v", direct)
	}
	if direct[0].msg.ConversationID != "c2" {
		t.Fatalf("direct forward conversation id = %q, want c2", direct[0].msg.ConversationID)
	}
	group := emitter.byEvent("send_group_message")
	if len(group) != 1 || group[0].msg.ConversationID != "c-g1" {
		t.Fatalf("group forwards = %+v", group)
	}
	for _, call := range append(direct, group...) {
		if !call.msg.IsForwarded || call.msg.OriginalID != "m-src" {
			t.Fatalf("forward metadata missing: %+v", call.msg)
		}
		if call.msg.Type != MessageText {
			t.Fatalf("system messages must downgrade to text, got %s", call.msg.Type)
		}
	}

	t.Run("unknown target is an error", func(t *testing.T) {
		if err := e.Forward(ctx, src, []string{"c-ghost"}); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestMarkThreadSeen(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{history: map[string][]Message{
		"c1": {
			makeMsg("m1", "c1", bob, "unseen"),
			makeMsg("m2", "c1", alice, "mine"),
			func() Message {
				m := makeMsg("m3", "c1", bob, "already seen")
				m.Status = StatusSeen
				return m
			}(),
		},
	}}
	emitter := &fakeEmitter{}
	e := newTestEngine(fetcher, emitter)
	seedDirectory(e)
	if err := e.Activate(ctx, makeDirectConv("c1", alice, bob)); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := e.MarkThreadSeen(ctx); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	seen := emitter.byEvent("mark_message_seen")
	if len(seen) != 1 || seen[0].id != "m1" {
		t.Fatalf("mark_message_seen calls = %+v", seen)
	}
	e.View(func(s *State) {
		for _, m := range s.Messages() {
			if m.ID == "m1" && m.Status != StatusSeen {
				t.Fatal("local copy not patched")
			}
		}
	})

	// Second pass finds nothing unseen.
	if err := e.MarkThreadSeen(ctx); err != nil {
		t.Fatalf("second mark seen: %v", err)
	}
	if got := emitter.byEvent("mark_message_seen"); len(got) != 1 {
		t.Fatalf("repeat pass must not re-emit, calls = %d", len(got))
	}
}
