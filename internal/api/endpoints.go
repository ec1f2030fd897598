// ABOUTME: Typed operations over the backend REST contract: auth, users, conversations and messages
// ABOUTME: Local argument checks run before any network attempt

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/2389/aura-chat/internal/chaterr"
	"github.com/2389/aura-chat/internal/model"
	"github.com/2389/aura-chat/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createConversationRequest struct {
	ReceiverID string `json:"receiverId"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
}

type peerResponse struct {
	Receiver model.UserSummary `json:"receiver"`
}

// Login authenticates and stores the issued credential.
func (c *Client) Login(ctx context.Context, username, password string) (model.AuthResult, error) {
	if username == "" || password == "" {
		return model.AuthResult{}, fmt.Errorf("%w: username and password are required", chaterr.ErrInvalidArgument)
	}

	var res model.AuthResult
	if err := c.call(ctx, http.MethodPost, "/auth/login", false, loginRequest{username, password}, &res); err != nil {
		return model.AuthResult{}, err
	}
	if err := c.remember(res); err != nil {
		return res, err
	}
	c.logger.Info("logged in", "user_id", res.UserID)
	return res, nil
}

// Register creates an account and stores the issued credential.
func (c *Client) Register(ctx context.Context, reg model.Registration) (model.AuthResult, error) {
	if reg.Username == "" || reg.Password == "" {
		return model.AuthResult{}, fmt.Errorf("%w: username and password are required", chaterr.ErrInvalidArgument)
	}

	var res model.AuthResult
	if err := c.call(ctx, http.MethodPost, "/auth/register", false, reg, &res); err != nil {
		return model.AuthResult{}, err
	}
	if err := c.remember(res); err != nil {
		return res, err
	}
	c.logger.Info("registered", "user_id", res.UserID, "username", reg.Username)
	return res, nil
}

func (c *Client) remember(res model.AuthResult) error {
	if res.Token == "" {
		return fmt.Errorf("%w: backend returned no token", chaterr.ErrAuthentication)
	}
	if c.creds == nil {
		return nil
	}
	if err := c.creds.Set(session.Credential{Token: res.Token, UserID: res.UserID}); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (model.UserSummary, error) {
	var u model.UserSummary
	if err := c.call(ctx, http.MethodGet, "/users/me", true, nil, &u); err != nil {
		return model.UserSummary{}, err
	}
	return u, nil
}

// ListUsers returns every user known to the backend.
func (c *Client) ListUsers(ctx context.Context) ([]model.UserSummary, error) {
	var users []model.UserSummary
	if err := c.call(ctx, http.MethodGet, "/users", true, nil, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = []model.UserSummary{}
	}
	return users, nil
}

// UpdateProfile changes the non-empty fields of the authenticated user's profile.
func (c *Client) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.UserSummary, error) {
	if upd.Empty() {
		return model.UserSummary{}, fmt.Errorf("%w: nothing to update", chaterr.ErrInvalidArgument)
	}

	var u model.UserSummary
	if err := c.call(ctx, http.MethodPut, "/users/profile", true, upd, &u); err != nil {
		return model.UserSummary{}, err
	}
	return u, nil
}

// GetOrCreateConversation returns the 1:1 conversation with otherUserID,
// creating it on first contact. The backend answers idempotently.
func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (model.Conversation, error) {
	if otherUserID == "" {
		return model.Conversation{}, fmt.Errorf("%w: empty receiver id", chaterr.ErrInvalidArgument)
	}

	var conv model.Conversation
	if err := c.call(ctx, http.MethodPost, "/chat/create", true, createConversationRequest{otherUserID}, &conv); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// SendMessage posts a message and returns the persisted copy. A draft with
// neither text nor image fails with ErrInvalidArgument without a request.
func (c *Client) SendMessage(ctx context.Context, conversationID string, draft model.Draft) (model.Message, error) {
	if conversationID == "" {
		return model.Message{}, fmt.Errorf("%w: empty conversation id", chaterr.ErrInvalidArgument)
	}
	if draft.Empty() {
		return model.Message{}, fmt.Errorf("%w: message needs text or an image", chaterr.ErrInvalidArgument)
	}

	body := sendMessageRequest{
		ConversationID: conversationID,
		Text:           draft.Text,
		ImageURL:       draft.ImageURL,
	}
	var msg model.Message
	if err := c.call(ctx, http.MethodPost, "/chat/send", true, body, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the conversation history as sent by the backend.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", chaterr.ErrInvalidArgument)
	}

	var msgs []model.Message
	path := "/chat/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, http.MethodGet, path, true, nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// GetConversationPeer returns the other member of the conversation.
func (c *Client) GetConversationPeer(ctx context.Context, conversationID string) (model.UserSummary, error) {
	if conversationID == "" {
		return model.UserSummary{}, fmt.Errorf("%w: empty conversation id", chaterr.ErrInvalidArgument)
	}

	var res peerResponse
	path := "/chat/conversation/" + url.PathEscape(conversationID)
	if err := c.call(ctx, http.MethodGet, path, true, nil, &res); err != nil {
		return model.UserSummary{}, err
	}
	return res.Receiver, nil
}
