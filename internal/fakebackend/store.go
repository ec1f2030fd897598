// ABOUTME: In-memory users, conversations and messages behind the fake backend
// ABOUTME: Passwords are bcrypt hashed; conversations are unique per unordered member pair

package fakebackend

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/aura-chat/internal/model"
)

var (
	errUsernameTaken  = errors.New("username already taken")
	errBadCredentials = errors.New("invalid username or password")
	errUserNotFound   = errors.New("user not found")
	errConvNotFound   = errors.New("conversation not found")
	errNotMember      = errors.New("not a member of this conversation")
	errSelfChat       = errors.New("cannot start a conversation with yourself")
)

type account struct {
	summary model.UserSummary
	hash    []byte
}

type store struct {
	mu       sync.RWMutex
	accounts map[string]*account // user ID -> account
	byName   map[string]string   // username -> user ID
	convs    map[string]*model.Conversation
	pairs    map[string]string // sorted member pair -> conversation ID
	messages map[string][]model.Message
	now      func() time.Time
	lastTime time.Time
}

func newStore(now func() time.Time) *store {
	return &store{
		accounts: make(map[string]*account),
		byName:   make(map[string]string),
		convs:    make(map[string]*model.Conversation),
		pairs:    make(map[string]string),
		messages: make(map[string][]model.Message),
		now:      now,
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *store) register(reg model.Registration) (model.UserSummary, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.MinCost)
	if err != nil {
		return model.UserSummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(reg.Username)
	if _, ok := s.byName[key]; ok {
		return model.UserSummary{}, errUsernameTaken
	}

	summary := model.UserSummary{
		ID:          newID(),
		Username:    reg.Username,
		FirstName:   reg.FirstName,
		LastName:    reg.LastName,
		AvatarImage: reg.AvatarImage,
	}
	s.accounts[summary.ID] = &account{summary: summary, hash: hash}
	s.byName[key] = summary.ID
	return summary, nil
}

func (s *store) authenticate(username, password string) (model.UserSummary, error) {
	s.mu.RLock()
	id, ok := s.byName[strings.ToLower(username)]
	var acct *account
	if ok {
		acct = s.accounts[id]
	}
	s.mu.RUnlock()

	if acct == nil {
		return model.UserSummary{}, errBadCredentials
	}
	if bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return model.UserSummary{}, errBadCredentials
	}
	return acct.summary, nil
}

func (s *store) user(id string) (model.UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return model.UserSummary{}, errUserNotFound
	}
	return acct.summary, nil
}

// users lists everyone sorted by username.
func (s *store) users() []model.UserSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserSummary, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *store) updateProfile(id string, upd model.ProfileUpdate) (model.UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return model.UserSummary{}, errUserNotFound
	}

	if upd.Username != "" && !strings.EqualFold(upd.Username, acct.summary.Username) {
		key := strings.ToLower(upd.Username)
		if _, taken := s.byName[key]; taken {
			return model.UserSummary{}, errUsernameTaken
		}
		delete(s.byName, strings.ToLower(acct.summary.Username))
		s.byName[key] = id
		acct.summary.Username = upd.Username
	}
	if upd.FirstName != "" {
		acct.summary.FirstName = upd.FirstName
	}
	if upd.LastName != "" {
		acct.summary.LastName = upd.LastName
	}
	if upd.AvatarImage != "" {
		acct.summary.AvatarImage = upd.AvatarImage
	}
	return acct.summary, nil
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// getOrCreate returns the conversation between self and other, creating it on first contact.
func (s *store) getOrCreate(self, other string) (model.Conversation, error) {
	if self == other {
		return model.Conversation{}, errSelfChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[other]; !ok {
		return model.Conversation{}, errUserNotFound
	}

	key := pairKey(self, other)
	if id, ok := s.pairs[key]; ok {
		return *s.convs[id], nil
	}

	now := s.now().UTC()
	conv := &model.Conversation{
		ID:        newID(),
		Members:   []string{self, other},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv
	s.pairs[key] = conv.ID
	return *conv, nil
}

// conversation returns the conversation if userID is a member.
func (s *store) conversation(id, userID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationLocked(id, userID)
}

func (s *store) conversationLocked(id, userID string) (model.Conversation, error) {
	conv, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, errConvNotFound
	}
	if conv.Peer(userID) == "" {
		return model.Conversation{}, errNotMember
	}
	return *conv, nil
}

func (s *store) addMessage(convID, senderID string, draft model.Draft) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return model.Message{}, errConvNotFound
	}
	if conv.Peer(senderID) == "" {
		return model.Message{}, errNotMember
	}

	// Timestamps strictly increase so history order never depends on the ID tiebreak.
	now := s.now().UTC()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = now

	msg := model.Message{
		ID:             newID(),
		ConversationID: convID,
		SenderID:       senderID,
		Text:           draft.Text,
		ImageURL:       draft.ImageURL,
		CreatedAt:      now,
	}
	s.messages[convID] = append(s.messages[convID], msg)

	conv.UpdatedAt = now
	conv.LastMessage = draft.Text
	if conv.LastMessage == "" {
		conv.LastMessage = "[image]"
	}
	return msg, nil
}

func (s *store) history(convID, userID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.conversationLocked(convID, userID); err != nil {
		return nil, err
	}
	out := make([]model.Message, len(s.messages[convID]))
	copy(out, s.messages[convID])
	return out, nil
}
