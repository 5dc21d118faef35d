package relay

// State is the client-side view of the chat session: the conversation
// directory, the active thread buffer, group and user tables, typing sets,
// and unread counts.
//
// State is a plain container with no locking of its own. The engine owns it
// and serializes every mutation; nothing else may write to it. Query methods
// return copies, so renderers can hold results across engine activity.
type State struct {
	conversations []Conversation
	groups        []Group
	users         map[string]User

	activeConvID  string
	activeGroupID string
	messages      []Message

	typing map[string]map[string]struct{}
	unread map[string]int
}

// NewState returns an empty state container.
func NewState() *State {
	return &State{
		users:  make(map[string]User),
		typing: make(map[string]map[string]struct{}),
		unread: make(map[string]int),
	}
}

// ============================================================================
// User table
// ============================================================================

// ingestUser merges a user snapshot into the normalized table. Presence is
// kept from the existing entry; snapshots embedded in conversations and
// groups are often stale on that axis, and presence has exactly one writer:
// SetOnline.
func (s *State) ingestUser(u User) {
	if u.ID == "" {
		return
	}
	if prev, ok := s.users[u.ID]; ok {
		u.IsOnline = prev.IsOnline
		if u.LastSeen == "" {
			u.LastSeen = prev.LastSeen
		}
	}
	s.users[u.ID] = u
}

// SetOnline updates a user's presence. A user going offline is purged from
// every conversation's typing set; a disconnected client cannot be typing.
func (s *State) SetOnline(userID string, online bool) {
	u, ok := s.users[userID]
	if !ok {
		u = User{ID: userID}
	}
	u.IsOnline = online
	s.users[userID] = u

	// Typing entries are keyed by username (the typing events carry no user
	// id), so the purge bridges id to username through the user table. A
	// user whose snapshot was never ingested keeps their typing entry until
	// an explicit stop_typing.
	if !online && u.Username != "" {
		for convID, set := range s.typing {
			delete(set, u.Username)
			if len(set) == 0 {
				delete(s.typing, convID)
			}
		}
	}
}

// UserByID returns the user with the given id, presence included.
func (s *State) UserByID(id string) (User, bool) {
	u, ok := s.users[id]
	return u, ok
}

// ============================================================================
// Directory
// ============================================================================

// ReplaceConversations installs a fresh directory snapshot, preserving the
// server's order. Participant snapshots are folded into the user table.
func (s *State) ReplaceConversations(convs []Conversation) {
	s.conversations = append([]Conversation(nil), convs...)
	for _, c := range convs {
		for _, p := range c.Participants {
			s.ingestUser(p)
		}
		if c.LastMessage != nil && c.LastMessage.Sender.User != nil {
			s.ingestUser(*c.LastMessage.Sender.User)
		}
	}
}

// UpsertLastMessage records msg as the latest activity of its conversation
// and moves that conversation to the front of the directory. When the
// conversation is unknown locally but the message embeds a snapshot of it,
// the directory heals itself by inserting the snapshot at the front; without
// a snapshot the message leaves the directory untouched.
func (s *State) UpsertLastMessage(msg Message) {
	convID := msg.Conversation.ID
	if convID == "" {
		return
	}
	if msg.Sender.User != nil {
		s.ingestUser(*msg.Sender.User)
	}

	for i := range s.conversations {
		if s.conversations[i].ID != convID {
			continue
		}
		c := s.conversations[i]
		m := msg
		c.LastMessage = &m
		c.UpdatedAt = msg.CreatedAt
		copy(s.conversations[1:i+1], s.conversations[:i])
		s.conversations[0] = c
		return
	}

	if snap := msg.Conversation.Conversation; snap != nil {
		c := *snap
		m := msg
		c.LastMessage = &m
		if c.UpdatedAt == "" {
			c.UpdatedAt = msg.CreatedAt
		}
		for _, p := range c.Participants {
			s.ingestUser(p)
		}
		s.conversations = append([]Conversation{c}, s.conversations...)
	}
}

// Conversations returns the directory, most recently active first.
func (s *State) Conversations() []Conversation {
	return append([]Conversation(nil), s.conversations...)
}

// ConversationByID returns a directory entry by id.
func (s *State) ConversationByID(id string) (Conversation, bool) {
	for _, c := range s.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// upsertConversation replaces a directory entry in place, or prepends it when
// unknown. Used for group conversation refreshes; ordering of known entries
// is activity-driven, so a metadata refresh does not move them.
func (s *State) upsertConversation(conv Conversation) {
	for _, p := range conv.Participants {
		s.ingestUser(p)
	}
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			if conv.LastMessage == nil {
				conv.LastMessage = s.conversations[i].LastMessage
			}
			s.conversations[i] = conv
			return
		}
	}
	s.conversations = append([]Conversation{conv}, s.conversations...)
}

// ============================================================================
// Groups
// ============================================================================

// ReplaceGroups installs a fresh group list.
func (s *State) ReplaceGroups(groups []Group) {
	s.groups = append([]Group(nil), groups...)
	for _, g := range groups {
		for _, m := range g.Members {
			s.ingestUser(m)
		}
	}
}

// AddGroup appends a newly created group, replacing any existing entry with
// the same id so redelivery stays idempotent.
func (s *State) AddGroup(g Group) {
	for _, m := range g.Members {
		s.ingestUser(m)
	}
	for i := range s.groups {
		if s.groups[i].ID == g.ID {
			s.groups[i] = g
			return
		}
	}
	s.groups = append(s.groups, g)
}

// ReplaceGroup swaps in an updated group wholesale. Unknown groups are
// appended; an update can be the first thing a new member hears.
func (s *State) ReplaceGroup(g Group) {
	s.AddGroup(g)
}

// RemoveGroup drops a group from the list.
func (s *State) RemoveGroup(groupID string) {
	for i := range s.groups {
		if s.groups[i].ID == groupID {
			s.groups = append(s.groups[:i], s.groups[i+1:]...)
			return
		}
	}
}

// Groups returns the group list.
func (s *State) Groups() []Group {
	return append([]Group(nil), s.groups...)
}

// GroupByID returns a group by id.
func (s *State) GroupByID(id string) (Group, bool) {
	for _, g := range s.groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// GroupByConversation returns the group owning a conversation.
func (s *State) GroupByConversation(conversationID string) (Group, bool) {
	for _, g := range s.groups {
		if g.Conversation.ID == conversationID {
			return g, true
		}
	}
	return Group{}, false
}

// ============================================================================
// Active thread
// ============================================================================

// SetActive makes a conversation the active thread. Switching is a hard cut:
// the previous buffer is discarded immediately, the active group is cleared,
// and the conversation's unread count drops to zero.
func (s *State) SetActive(conversationID string) {
	s.activeConvID = conversationID
	s.activeGroupID = ""
	s.messages = nil
	if conversationID != "" {
		delete(s.unread, conversationID)
	}
}

// SetActiveGroup marks which group the active conversation belongs to.
func (s *State) SetActiveGroup(groupID string) {
	s.activeGroupID = groupID
}

// ActiveConversationID returns the id of the active thread, or "".
func (s *State) ActiveConversationID() string {
	return s.activeConvID
}

// ActiveGroupID returns the id of the active group, or "".
func (s *State) ActiveGroupID() string {
	return s.activeGroupID
}

// ReplaceMessages installs the fetched history of the active thread.
func (s *State) ReplaceMessages(msgs []Message) {
	s.messages = append([]Message(nil), msgs...)
	for i := range s.messages {
		if u := s.messages[i].Sender.User; u != nil {
			s.ingestUser(*u)
		}
	}
}

// AppendMessage adds a message to the active buffer unless a message with the
// same id is already present. Reports whether the buffer changed.
func (s *State) AppendMessage(msg Message) bool {
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			return false
		}
	}
	if u := msg.Sender.User; u != nil {
		s.ingestUser(*u)
	}
	s.messages = append(s.messages, msg)
	return true
}

// Messages returns the active thread buffer in order.
func (s *State) Messages() []Message {
	return append([]Message(nil), s.messages...)
}

// PatchMessageStatus updates the delivery status of a message wherever it is
// visible: the active buffer and any directory last-message.
func (s *State) PatchMessageStatus(messageID string, status MessageStatus) {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Status = status
		}
	}
	for i := range s.conversations {
		if lm := s.conversations[i].LastMessage; lm != nil && lm.ID == messageID {
			m := *lm
			m.Status = status
			s.conversations[i].LastMessage = &m
		}
	}
}

// ============================================================================
// Typing
// ============================================================================

// SetTyping adds or removes a username from a conversation's typing set.
// Set semantics: repeated starts and stops collapse.
func (s *State) SetTyping(conversationID, username string, typing bool) {
	if conversationID == "" || username == "" {
		return
	}
	set := s.typing[conversationID]
	if typing {
		if set == nil {
			set = make(map[string]struct{})
			s.typing[conversationID] = set
		}
		set[username] = struct{}{}
		return
	}
	if set != nil {
		delete(set, username)
		if len(set) == 0 {
			delete(s.typing, conversationID)
		}
	}
}

// TypingUsers returns the usernames currently typing in a conversation.
func (s *State) TypingUsers(conversationID string) []string {
	set := s.typing[conversationID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// ============================================================================
// Unread
// ============================================================================

// IncrementUnread bumps a conversation's unread count.
func (s *State) IncrementUnread(conversationID string) {
	s.unread[conversationID]++
}

// ClearUnread zeroes a conversation's unread count.
func (s *State) ClearUnread(conversationID string) {
	delete(s.unread, conversationID)
}

// UnreadCount returns a conversation's unread count.
func (s *State) UnreadCount(conversationID string) int {
	return s.unread[conversationID]
}

// Participants resolves a conversation's participants against the user table,
// so presence is current even when the directory snapshot is old.
func (s *State) Participants(conversationID string) []User {
	c, ok := s.ConversationByID(conversationID)
	if !ok {
		return nil
	}
	out := make([]User, 0, len(c.Participants))
	for _, p := range c.Participants {
		if u, ok := s.users[p.ID]; ok {
			out = append(out, u)
		} else {
			out = append(out, p)
		}
	}
	return out
}
