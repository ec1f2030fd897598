// ABOUTME: Plain data records shared by the request client, realtime channel and synchronizer
// ABOUTME: JSON tags follow the backend wire format (Mongo-style _id, camelCase fields)

package model

import (
	"strings"
	"time"
)

// Message is a single chat message. It is created by the backend in response
// to a send request and never mutated by the client.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Before reports whether m sorts ahead of other in a timeline.
// Creation time is the ordering key; ties fall back to the identifier.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Conversation is a 1:1 messaging context between two users.
type Conversation struct {
	ID          string    `json:"_id"`
	Members     []string  `json:"members"`
	LastMessage string    `json:"lastMessage,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Peer returns the member that is not self, or "" if self is not a member.
func (c Conversation) Peer(self string) string {
	found := false
	peer := ""
	for _, m := range c.Members {
		if m == self {
			found = true
			continue
		}
		peer = m
	}
	if !found {
		return ""
	}
	return peer
}

// UserSummary is the public view of a user.
type UserSummary struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	AvatarImage string `json:"avatarImage,omitempty"`
}

// DisplayName returns "First Last" when available, otherwise the username.
func (u UserSummary) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Draft is the user-supplied content of a message about to be sent.
type Draft struct {
	Text     string
	ImageURL string
}

// Empty reports whether the draft has neither text nor an image reference.
// Whitespace-only text counts as empty.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && strings.TrimSpace(d.ImageURL) == ""
}

// AuthResult is returned by the login and register endpoints.
type AuthResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Registration is the body of POST /auth/register.
type Registration struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	AvatarImage string `json:"avatarImage"`
}

// ProfileUpdate is the body of PUT /users/profile. Empty fields are left unchanged.
type ProfileUpdate struct {
	Username    string `json:"username,omitempty"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	AvatarImage string `json:"avatarImage,omitempty"`
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p == ProfileUpdate{}
}
