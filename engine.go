package relay

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// HistoryFetcher loads the message history of a conversation.
// *MessagesClient satisfies it.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
}

// Emitter carries the engine's outbound intents. *Socket satisfies it; tests
// substitute fakes.
type Emitter interface {
	SendMessage(ctx context.Context, msg *OutgoingMessage) error
	SendGroupMessage(ctx context.Context, msg *OutgoingMessage) error
	MarkMessageSeen(ctx context.Context, messageID, senderID string) error
	JoinGroup(ctx context.Context, groupID string) error
}

// Phase is the lifecycle phase of the active thread.
type Phase string

const (
	PhaseInactive Phase = "inactive"
	PhaseLoading  Phase = "loading"
	PhaseActive   Phase = "active"
)

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles realtime events, user commands, and fetch results into a
// single State. Every mutation path takes the engine mutex, so the state sees
// one writer no matter how many goroutines deliver events.
type Engine struct {
	mu      sync.Mutex
	state   *State
	fetcher HistoryFetcher
	emitter Emitter
	me      User

	phase     Phase
	loadEpoch uint64
}

// NewEngine creates an engine over the given state. me is the local user;
// their own messages never count as unread and never appear as typing.
func NewEngine(state *State, fetcher HistoryFetcher, emitter Emitter, me User) *Engine {
	return &Engine{
		state:   state,
		fetcher: fetcher,
		emitter: emitter,
		me:      me,
		phase:   PhaseInactive,
	}
}

// Bind registers the engine's appliers on a socket. Dispatch is synchronous
// on the socket's read loop, so per-conversation arrival order is the order
// the appliers run in.
func (e *Engine) Bind(sock *Socket) {
	sock.OnMessage(e.HandleMessage)
	sock.OnMessageSent(e.HandleMessage)
	sock.OnGroupCreated(e.HandleGroupCreated)
	sock.OnGroupUpdated(e.HandleGroupUpdated)
	sock.OnMemberRemoved(e.HandleMemberRemoved)
	sock.OnTyping(e.HandleTyping)
	sock.OnPresence(e.HandlePresence)
	sock.OnMessageStatus(e.HandleStatus)
}

// Phase returns the lifecycle phase of the active thread.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// View runs fn with the engine lock held, giving read access to the state.
// fn must not retain the *State past its return.
func (e *Engine) View(fn func(s *State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
}

// SetConversations seeds the directory from a REST listing.
func (e *Engine) SetConversations(convs []Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ReplaceConversations(convs)
}

// SetGroups seeds the group list from a REST listing.
func (e *Engine) SetGroups(groups []Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ReplaceGroups(groups)
}

// ============================================================================
// Activation
// ============================================================================

// Activate makes a conversation the active thread and loads its history.
// The switch is immediate: the old buffer is gone and unread is zeroed
// before the fetch starts. If the user activates something else while the
// fetch is in flight, the late result is discarded. A fetch error leaves the
// thread active with an empty buffer; the caller decides whether to retry.
func (e *Engine) Activate(ctx context.Context, conv Conversation) error {
	e.mu.Lock()
	e.state.upsertConversation(conv)
	e.state.SetActive(conv.ID)
	e.phase = PhaseLoading
	e.loadEpoch++
	epoch := e.loadEpoch
	e.mu.Unlock()

	msgs, err := e.fetcher.History(ctx, conv.ID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.loadEpoch || e.state.ActiveConversationID() != conv.ID {
		// A newer activation owns the buffer now.
		return nil
	}
	if err != nil {
		e.phase = PhaseActive
		return fmt.Errorf("failed to load history for %s: %w", conv.ID, err)
	}
	e.state.ReplaceMessages(msgs)
	e.phase = PhaseActive
	return nil
}

// ActivateGroup activates a group's conversation and subscribes to its room.
// The group's display data is folded into the directory entry so renderers
// see a group-shaped conversation even when the listing predates the group.
func (e *Engine) ActivateGroup(ctx context.Context, g Group) error {
	conv := Conversation{ID: g.Conversation.ID}
	if snap := g.Conversation.Conversation; snap != nil {
		conv = *snap
	}
	conv.IsGroup = true
	conv.GroupName = g.Name
	conv.GroupData = &GroupData{
		Name:        g.Name,
		Admin:       g.Admin,
		Description: g.Description,
		Avatar:      g.Avatar,
	}
	if len(conv.Participants) == 0 {
		conv.Participants = g.Members
	}

	if err := e.emitter.JoinGroup(ctx, g.ID); err != nil {
		return err
	}
	if err := e.Activate(ctx, conv); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.ActiveConversationID() == conv.ID {
		e.state.SetActiveGroup(g.ID)
	}
	return nil
}

// Deactivate leaves the active thread, if any.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.SetActive("")
	e.phase = PhaseInactive
}

// ============================================================================
// Inbound Appliers
// ============================================================================

// HandleMessage applies an inbound message: append to the active buffer when
// it belongs there, bump unread when it does not, and in every case record it
// as its conversation's latest activity. Redelivery is a no-op thanks to the
// id dedupe, so reconnect replays are safe.
func (e *Engine) HandleMessage(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	convID := msg.Conversation.ID
	fromSelf := msg.Sender.ID == e.me.ID

	if convID != "" && convID == e.state.ActiveConversationID() {
		e.state.AppendMessage(msg)
	} else if !fromSelf && convID != "" {
		// Counted even when the conversation is not listed yet; the count
		// surfaces once the directory self-heals or refreshes.
		e.state.IncrementUnread(convID)
	}

	// A real message supersedes any typing indicator from its sender.
	if name := msg.Sender.Username(); name != "" {
		e.state.SetTyping(convID, name, false)
	}

	e.state.UpsertLastMessage(msg)
}

// HandleGroupCreated adds a new group and its conversation to the directory.
func (e *Engine) HandleGroupCreated(g Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AddGroup(g)
	e.upsertGroupConversationLocked(g)
}

// HandleGroupUpdated replaces a group wholesale: members, name, settings.
func (e *Engine) HandleGroupUpdated(g Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ReplaceGroup(g)
	e.upsertGroupConversationLocked(g)
}

func (e *Engine) upsertGroupConversationLocked(g Group) {
	conv := Conversation{ID: g.Conversation.ID}
	if snap := g.Conversation.Conversation; snap != nil {
		conv = *snap
	} else if existing, ok := e.state.ConversationByID(g.Conversation.ID); ok {
		conv = existing
	}
	conv.IsGroup = true
	conv.GroupName = g.Name
	conv.GroupData = &GroupData{
		Name:        g.Name,
		Admin:       g.Admin,
		Description: g.Description,
		Avatar:      g.Avatar,
	}
	if len(g.Members) > 0 {
		conv.Participants = g.Members
	}
	e.state.upsertConversation(conv)
}

// HandleMemberRemoved applies a member removal. When the removed member is
// the local user, the group disappears and, if its thread was active, the
// thread is force-deactivated.
func (e *Engine) HandleMemberRemoved(ev MemberRemovedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Self-removal must deactivate even when the group never made it into
	// the local list (activated straight from a create response).
	if ev.UserID == e.me.ID {
		if e.state.ActiveGroupID() == ev.GroupID {
			e.state.SetActive("")
			e.phase = PhaseInactive
		}
		e.state.RemoveGroup(ev.GroupID)
		return
	}

	g, ok := e.state.GroupByID(ev.GroupID)
	if !ok {
		return
	}

	members := g.Members[:0:0]
	for _, m := range g.Members {
		if m.ID != ev.UserID {
			members = append(members, m)
		}
	}
	g.Members = members
	e.state.ReplaceGroup(g)
}

// HandleTyping applies a typing indicator. The local user's own echo is
// ignored.
func (e *Engine) HandleTyping(ev TypingEvent, typing bool) {
	if ev.Username == e.me.Username {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.SetTyping(ev.ConversationID, ev.Username, typing)
}

// HandlePresence applies a presence change.
func (e *Engine) HandlePresence(userID string, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.SetOnline(userID, online)
}

// HandleStatus applies a delivery status change.
func (e *Engine) HandleStatus(ev MessageStatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.PatchMessageStatus(ev.MessageID, ev.Status)
}

// ============================================================================
// Outbound Intents
// ============================================================================

// Send addresses a draft to the active thread and emits it. For a group
// thread it goes out as a group message; for a direct thread the receiver is
// the other participant. The message appears in the buffer when the server
// echoes it back, never optimistically twice.
func (e *Engine) Send(ctx context.Context, draft OutgoingMessage) error {
	e.mu.Lock()
	convID := e.state.ActiveConversationID()
	if convID == "" {
		e.mu.Unlock()
		return fmt.Errorf("no active conversation")
	}
	conv, _ := e.state.ConversationByID(convID)
	isGroup := conv.IsGroup || e.state.ActiveGroupID() != ""
	receiver := e.otherParticipantLocked(conv)
	e.mu.Unlock()

	draft.ConversationID = convID
	if isGroup {
		draft.ReceiverID = ""
		return e.emitter.SendGroupMessage(ctx, &draft)
	}
	if receiver == "" {
		return fmt.Errorf("conversation %s has no counterpart", convID)
	}
	draft.ReceiverID = receiver
	return e.emitter.SendMessage(ctx, &draft)
}

func (e *Engine) otherParticipantLocked(conv Conversation) string {
	for _, p := range conv.Participants {
		if p.ID != e.me.ID {
			return p.ID
		}
	}
	return ""
}

// Forward re-sends an existing message into other conversations. Forwards
// carry the original message id and the forwarded flag; system messages are
// downgraded to plain text so the annotation does not replay.
func (e *Engine) Forward(ctx context.Context, msg Message, conversationIDs []string) error {
	draft := OutgoingMessage{
		Content:     msg.Content,
		Type:        msg.Type,
		FileURL:     msg.FileURL,
		FileName:    msg.FileName,
		FileSize:    msg.FileSize,
		IsForwarded: true,
		OriginalID:  msg.ID,
	}
	if draft.Type == MessageSystem || draft.Type == "" {
		draft.Type = MessageText
	}

	for _, convID := range conversationIDs {
		e.mu.Lock()
		conv, ok := e.state.ConversationByID(convID)
		receiver := ""
		if ok && !conv.IsGroup {
			receiver = e.otherParticipantLocked(conv)
		}
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown conversation %s", convID)
		}

		out := draft
		out.ConversationID = convID
		if conv.IsGroup {
			if err := e.emitter.SendGroupMessage(ctx, &out); err != nil {
				return err
			}
			continue
		}
		if receiver == "" {
			return fmt.Errorf("conversation %s has no counterpart", convID)
		}
		out.ReceiverID = receiver
		if err := e.emitter.SendMessage(ctx, &out); err != nil {
			return err
		}
	}
	return nil
}

// MarkThreadSeen reports every unseen inbound message of the active thread as
// seen and patches the local copies immediately.
func (e *Engine) MarkThreadSeen(ctx context.Context) error {
	type seenTarget struct {
		messageID string
		senderID  string
	}
	e.mu.Lock()
	var pending []seenTarget
	for _, m := range e.state.Messages() {
		if m.Sender.ID != e.me.ID && m.Status != StatusSeen {
			pending = append(pending, seenTarget{m.ID, m.Sender.ID})
		}
	}
	for _, p := range pending {
		e.state.PatchMessageStatus(p.messageID, StatusSeen)
	}
	e.mu.Unlock()

	for _, p := range pending {
		if err := e.emitter.MarkMessageSeen(ctx, p.messageID, p.senderID); err != nil {
			return err
		}
	}
	return nil
}
