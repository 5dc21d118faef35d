package relay

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Domain Model
// ============================================================================

// MessageType classifies a message body.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// GroupType distinguishes public (joinable by invite code) and private groups.
type GroupType string

const (
	GroupPublic  GroupType = "public"
	GroupPrivate GroupType = "private"
)

// User is a chat participant.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// SenderRef resolves a sender field that arrives either as a bare user id or
// as an embedded user object. It is normalized once at decode time so
// consumers always see an id plus an optional snapshot.
type SenderRef struct {
	ID   string
	User *User
}

func (s *SenderRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &s.ID)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	s.ID = u.ID
	s.User = &u
	return nil
}

func (s SenderRef) MarshalJSON() ([]byte, error) {
	if s.User != nil {
		return json.Marshal(s.User)
	}
	return json.Marshal(s.ID)
}

// Username returns the sender's username when a snapshot is available.
func (s SenderRef) Username() string {
	if s.User != nil {
		return s.User.Username
	}
	return ""
}

// ConversationRef resolves a conversation field that arrives either as a bare
// id or as an embedded conversation object.
type ConversationRef struct {
	ID           string
	Conversation *Conversation
}

func (c *ConversationRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.ID)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return err
	}
	c.ID = conv.ID
	c.Conversation = &conv
	return nil
}

func (c ConversationRef) MarshalJSON() ([]byte, error) {
	if c.Conversation != nil {
		return json.Marshal(c.Conversation)
	}
	return json.Marshal(c.ID)
}

// Message is a single chat message.
type Message struct {
	ID           string          `json:"_id"`
	Conversation ConversationRef `json:"conversationId"`
	Sender       SenderRef       `json:"senderId"`
	Content      string          `json:"content"`
	Type         MessageType     `json:"messageType"`
	FileURL      string          `json:"fileUrl,omitempty"`
	FileName     string          `json:"fileName,omitempty"`
	FileSize     int64           `json:"fileSize,omitempty"`
	Status       MessageStatus   `json:"status,omitempty"`
	Parent       *MessageRef     `json:"parentMessageId,omitempty"`
	IsForwarded  bool            `json:"isForwarded,omitempty"`
	CreatedAt    string          `json:"createdAt,omitempty"`
}

// MessageRef resolves a reply-to reference that arrives either as a bare
// message id or as a populated parent message.
type MessageRef struct {
	ID      string
	Message *Message
}

func (m *MessageRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &m.ID)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	m.ID = msg.ID
	m.Message = &msg
	return nil
}

func (m MessageRef) MarshalJSON() ([]byte, error) {
	if m.Message != nil {
		return json.Marshal(m.Message)
	}
	return json.Marshal(m.ID)
}

// GroupData is the group display snapshot embedded in a group conversation.
type GroupData struct {
	Name        string    `json:"name,omitempty"`
	Admin       SenderRef `json:"admin,omitempty"`
	Description string    `json:"description,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
}

// Conversation is a direct or group thread.
type Conversation struct {
	ID           string     `json:"_id"`
	Participants []User     `json:"participants,omitempty"`
	LastMessage  *Message   `json:"lastMessage,omitempty"`
	IsGroup      bool       `json:"isGroup,omitempty"`
	GroupName    string     `json:"groupName,omitempty"`
	GroupData    *GroupData `json:"groupData,omitempty"`
	UpdatedAt    string     `json:"updatedAt,omitempty"`
}

// GroupSettings holds per-group toggles.
type GroupSettings struct {
	OnlyAdminCanMessage bool `json:"onlyAdminCanMessage"`
}

// Group is a named multi-member chat with an admin and a linked conversation.
type Group struct {
	ID           string          `json:"_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Avatar       string          `json:"avatar,omitempty"`
	Admin        SenderRef       `json:"admin"`
	Members      []User          `json:"members"`
	Conversation ConversationRef `json:"conversationId"`
	Type         GroupType       `json:"groupType"`
	InviteCode   string          `json:"inviteCode,omitempty"`
	Settings     GroupSettings   `json:"settings"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	UpdatedAt    string          `json:"updatedAt,omitempty"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// TypingEvent is the payload of the typing and stop_typing events.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	Username       string `json:"username"`
}

// PresenceEvent is the payload of the user_online and user_offline events.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// MessageStatusEvent is the payload of the message_status_updated event.
type MessageStatusEvent struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// MemberRemovedEvent is the payload of the group_member_removed event.
type MemberRemovedEvent struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// groupMessageEvent wraps the message carried by receive_group_message.
type groupMessageEvent struct {
	Message Message `json:"message"`
}

// ============================================================================
// REST Payloads
// ============================================================================

// CreateGroupOptions is the body of POST /groups.
type CreateGroupOptions struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members"`
	GroupType   GroupType `json:"groupType"`
}

// FileUpload is the result of a file/image upload: a stored file reference
// plus the message type the server inferred from the content.
type FileUpload struct {
	FileURL     string      `json:"fileUrl"`
	FileName    string      `json:"fileName"`
	FileSize    int64       `json:"fileSize"`
	MessageType MessageType `json:"messageType"`
}

// messageHistory is the body of GET /chat/messages/:id.
type messageHistory struct {
	Messages []Message `json:"messages"`
}
