// Package relay is the Go client SDK for the Relay chat backend.
//
// It covers the REST API (conversations, groups, users, message history,
// file upload), the realtime event channel, and a client-side sync engine
// that keeps a local view of conversations, threads, presence, and unread
// counts consistent with the server.
//
// Example:
//
//	client := relay.NewClient(token)
//	convs, _ := client.Conversations.List(ctx)
//
//	sock := client.Realtime.Socket(&relay.SocketConfig{Token: token})
//	engine := relay.NewEngine(relay.NewState(), client.Messages, sock, me)
//	engine.Bind(sock)
//	sock.Connect(ctx)
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.relaychat.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. The zero value is not usable; construct with
// NewClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Auth          *AuthClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Groups        *GroupsClient
	Users         *UsersClient
	Files         *FilesClient
	Realtime      *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Relay client. token is the session token issued by
// the auth collaborator; the SDK only carries and forwards it.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Files = &FilesClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken replaces the session token on an existing client.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// apiErrorFrom builds an *APIError from an error response body. Bodies are
// expected as {"message": "...", "code": "..."}; anything else degrades to
// the raw status.
func apiErrorFrom(status int, body []byte) error {
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return &apiErr
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient exposes the identity endpoints. Token minting lives outside the
// SDK; this only resolves the current session.
type AuthClient struct{ c *Client }

// Me returns the user the current token belongs to.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	data, err := a.c.doRequest(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ConversationsClient handles conversation listing and creation.
type ConversationsClient struct{ c *Client }

// List fetches all conversations the user participates in, most recently
// active first.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.c.doRequest(ctx, "GET", "/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// CreateDirect starts (or returns the existing) direct conversation with the
// target user.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, receiverID string) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, "POST", "/chat/conversations", map[string]string{"receiverId": receiverID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MessagesClient handles message history.
type MessagesClient struct{ c *Client }

// History fetches the full message history of a conversation in server order.
func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := m.c.doRequest(ctx, "GET", "/chat/messages/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	hist, err := decodeJSON[messageHistory](data)
	if err != nil {
		return nil, err
	}
	return hist.Messages, nil
}

// GroupsClient handles group management.
type GroupsClient struct{ c *Client }

// List fetches the groups the user is a member of.
func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	data, err := g.c.doRequest(ctx, "GET", "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	groups, err := decodeJSON[[]Group](data)
	if err != nil {
		return nil, err
	}
	return *groups, nil
}

// Create creates a group and its linked conversation.
func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// AddMember adds a user to a group. Returns the updated group wholesale.
func (g *GroupsClient) AddMember(ctx context.Context, groupID, userID string) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups/add-member",
		map[string]string{"groupId": groupID, "userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// RemoveMember removes a user from a group.
func (g *GroupsClient) RemoveMember(ctx context.Context, groupID, userID string) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups/remove-member",
		map[string]string{"groupId": groupID, "userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// Rename changes the group name.
func (g *GroupsClient) Rename(ctx context.Context, groupID, name string) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups/rename",
		map[string]string{"groupId": groupID, "name": name}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// SetAdminOnly toggles whether only the admin may send messages.
func (g *GroupsClient) SetAdminOnly(ctx context.Context, groupID string, adminOnly bool) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups/toggle-admin-only",
		map[string]interface{}{"groupId": groupID, "status": adminOnly}, nil)
	if err != nil {
		return nil, err
	}
	// The endpoint historically wrapped the group; accept both shapes.
	var wrapped struct {
		Group *Group `json:"group"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Group != nil {
		return wrapped.Group, nil
	}
	return decodeJSON[Group](data)
}

// Join joins a public group by invite code.
func (g *GroupsClient) Join(ctx context.Context, inviteCode string) (*Group, error) {
	data, err := g.c.doRequest(ctx, "POST", "/groups/join",
		map[string]string{"inviteCode": inviteCode}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

// UsersClient handles user discovery.
type UsersClient struct{ c *Client }

// Search returns users matching the query; an empty query lists everyone
// visible to the caller.
func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	var q map[string]string
	if query != "" {
		q = map[string]string{"q": query}
	}
	data, err := u.c.doRequest(ctx, "GET", "/users/search", nil, q)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// FilesClient handles attachment uploads.
type FilesClient struct{ c *Client }

// Upload stores a file or image and returns its reference plus the message
// type the server inferred from the content.
func (f *FilesClient) Upload(ctx context.Context, data []byte, fileName string) (*FileUpload, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", f.c.baseURL+"/chat/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if f.c.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.c.token)
	}

	resp, err := f.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, body)
	}

	upload, err := decodeJSON[FileUpload](body)
	if err != nil {
		return nil, err
	}
	if upload.MessageType == "" {
		upload.MessageType = inferMessageType(fileName)
	}
	return upload, nil
}

// UploadFile uploads a file from a local path.
func (f *FilesClient) UploadFile(ctx context.Context, path string) (*FileUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return f.Upload(ctx, data, filepath.Base(path))
}

// inferMessageType maps a file name to the message type used for its
// attachment: image/* extensions become image messages, everything else file.
func inferMessageType(fileName string) MessageType {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return MessageFile
	}
	t := mime.TypeByExtension(ext)
	if t == "" && ext == ".webp" {
		t = "image/webp"
	}
	if strings.HasPrefix(t, "image/") {
		return MessageImage
	}
	return MessageFile
}

// RealtimeClient is the realtime connection factory.
type RealtimeClient struct{ c *Client }

// URL returns the websocket endpoint for the given token.
func (r *RealtimeClient) URL(token string) string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// Socket creates a realtime socket bound to this client's base URL. Call
// Connect to establish the connection.
func (r *RealtimeClient) Socket(config *SocketConfig) *Socket {
	cfg := *config
	cfg.defaults()
	return &Socket{
		baseURL:    r.c.baseURL,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}
