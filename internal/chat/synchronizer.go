// ABOUTME: Conversation synchronizer owning the timeline of the open conversation
// ABOUTME: Reconciles send responses with pushed newMessage events, guarded by an open generation

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/aura-chat/internal/chaterr"
	"github.com/2389/aura-chat/internal/model"
	"github.com/2389/aura-chat/internal/realtime"
)

var (
	// ErrSuperseded is returned by an Open whose result was discarded because
	// a newer Open or Close happened while it was in flight.
	ErrSuperseded = errors.New("superseded by a newer open")

	// ErrNotOpen is returned when an operation needs an open conversation.
	ErrNotOpen = fmt.Errorf("%w: no conversation open", chaterr.ErrInvalidArgument)
)

// Requester is the subset of the request client the synchronizer uses.
type Requester interface {
	GetOrCreateConversation(ctx context.Context, otherUserID string) (model.Conversation, error)
	GetConversationPeer(ctx context.Context, conversationID string) (model.UserSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID string, draft model.Draft) (model.Message, error)
}

// Channel is the subset of the realtime channel the synchronizer uses.
type Channel interface {
	JoinRoom(conversationID string) error
	LeaveRoom()
	Publish(event string, payload any) error
	Subscribe(event string, handler realtime.Handler) string
	Unsubscribe(event, id string)
	WatchState(fn realtime.StateHandler) string
	UnwatchState(id string)
	State() realtime.State
}

// Status is the lifecycle of the synchronizer's conversation slot.
type Status int

const (
	StatusClosed Status = iota
	StatusOpening
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view for the presentation layer.
type Snapshot struct {
	ConversationID string
	Peer           model.UserSummary
	Messages       []model.Message
	Status         Status
	// Degraded is set while the realtime channel is not connected. Sends and
	// history still work; live delivery resumes after reconnection.
	Degraded bool
}

type watcher struct {
	id string
	fn func(Snapshot)
}

// Synchronizer owns the timeline of at most one open conversation.
//
// State is guarded by a mutex that is never held across network calls.
// Every Open bumps a generation counter; completions carrying an older
// generation are discarded.
type Synchronizer struct {
	req    Requester
	ch     Channel
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	gen      uint64
	status   Status
	convID   string
	peer     model.UserSummary
	timeline *Timeline
	subID    string
	degraded bool
	watchers []watcher
	stateID  string
	room     string // room the channel should hold, "" for none

	// roomMu serializes applyRoom so the channel converges on the latest room.
	roomMu sync.Mutex

	// notifyMu serializes snapshot delivery so watchers see states in order.
	notifyMu sync.Mutex
}

// New creates a closed synchronizer bound to req and ch. Pass nil logger for default.
func New(req Requester, ch Channel, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Synchronizer{
		req:      req,
		ch:       ch,
		logger:   logger.With("component", "chat"),
		ctx:      ctx,
		cancel:   cancel,
		timeline: NewTimeline(),
		degraded: ch.State() != realtime.StateConnected,
	}
	s.stateID = ch.WatchState(s.onChannelState)
	return s
}

// Stop closes the open conversation, detaches from the channel and waits for
// background resyncs to finish.
func (s *Synchronizer) Stop() {
	s.Close()
	s.ch.UnwatchState(s.stateID)

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Open makes conversationID the open conversation: it fetches the peer and
// history, seeds the timeline, joins the room and subscribes to pushes. Any
// previously open conversation is closed first. On failure the synchronizer
// is left closed and the channel holds no room.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", chaterr.ErrInvalidArgument)
	}
	gen := s.begin(conversationID)
	return s.load(ctx, gen, conversationID)
}

// OpenWith resolves the 1:1 conversation with otherUserID, creating it on
// first contact, and opens it.
func (s *Synchronizer) OpenWith(ctx context.Context, otherUserID string) (model.Conversation, error) {
	gen := s.begin("")

	conv, err := s.req.GetOrCreateConversation(ctx, otherUserID)
	if err != nil {
		return model.Conversation{}, s.fail(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return conv, ErrSuperseded
	}
	s.convID = conv.ID
	s.mu.Unlock()

	return conv, s.load(ctx, gen, conv.ID)
}

// begin starts a new open generation, discarding the current conversation.
func (s *Synchronizer) begin(conversationID string) uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.leaveLocked()
	s.status = StatusOpening
	s.convID = conversationID
	s.mu.Unlock()

	s.logger.Debug("opening conversation", "conversation_id", conversationID, "generation", gen)
	_ = s.applyRoom()
	s.notify()
	return gen
}

func (s *Synchronizer) load(ctx context.Context, gen uint64, conversationID string) error {
	peer, err := s.req.GetConversationPeer(ctx, conversationID)
	if err != nil {
		return s.fail(gen, err)
	}
	history, err := s.req.ListMessages(ctx, conversationID)
	if err != nil {
		return s.fail(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale history", "conversation_id", conversationID, "generation", gen)
		return ErrSuperseded
	}
	s.peer = peer
	s.timeline.Reset(history)
	s.room = conversationID
	s.mu.Unlock()

	if err := s.applyRoom(); err != nil {
		return s.fail(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.subID = s.ch.Subscribe(realtime.EventNewMessage, s.pushHandler(gen, conversationID))
	s.status = StatusOpen
	n := s.timeline.Len()
	s.mu.Unlock()

	s.logger.Info("conversation open",
		"conversation_id", conversationID,
		"peer", peer.Username,
		"messages", n,
	)
	s.notify()
	return nil
}

// fail resets to closed if gen is still current and returns err, or
// ErrSuperseded when a newer generation already took over.
func (s *Synchronizer) fail(gen uint64, err error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.leaveLocked()
	s.mu.Unlock()

	_ = s.applyRoom()
	s.logger.Warn("open failed", "error", err)
	s.notify()
	return err
}

// Close unsubscribes from pushes and discards the timeline. It is idempotent
// and also cancels the effect of an Open still in flight.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.gen++
	changed := s.status != StatusClosed
	s.leaveLocked()
	s.mu.Unlock()

	_ = s.applyRoom()
	if changed {
		s.notify()
	}
}

// leaveLocked returns to closed. Must be called with mu held.
func (s *Synchronizer) leaveLocked() {
	if s.subID != "" {
		s.ch.Unsubscribe(realtime.EventNewMessage, s.subID)
		s.subID = ""
	}
	s.status = StatusClosed
	s.convID = ""
	s.room = ""
	s.peer = model.UserSummary{}
	s.timeline.Reset(nil)
}

// Send posts draft to the open conversation. On success the returned message
// is advertised on the channel for peer sessions and inserted into the
// timeline, unless another conversation was opened while the request was in
// flight. On failure the timeline is unchanged and the error is returned.
func (s *Synchronizer) Send(ctx context.Context, draft model.Draft) (model.Message, error) {
	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return model.Message{}, ErrNotOpen
	}
	gen, convID := s.gen, s.convID
	s.mu.Unlock()

	msg, err := s.req.SendMessage(ctx, convID, draft)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	current := s.gen == gen
	added := current && s.timeline.Insert(msg)
	s.mu.Unlock()

	if !current {
		s.logger.Debug("sent message after conversation changed", "message_id", msg.ID, "conversation_id", convID)
	}
	if added {
		s.notify()
	}

	// The backend relays by the message's conversation, so peers receive it
	// even when this session has moved to another room.
	if err := s.ch.Publish(realtime.EventSendMessage, msg); err != nil {
		s.logger.Debug("advertise skipped", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// Resync re-joins the room and merges a fresh history fetch into the
// timeline, recovering pushes missed while the channel was down.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	gen, convID := s.gen, s.convID
	s.mu.Unlock()

	return s.resync(ctx, gen, convID)
}

func (s *Synchronizer) resync(ctx context.Context, gen uint64, convID string) error {
	if err := s.applyRoom(); err != nil {
		s.logger.Warn("re-join failed", "conversation_id", convID, "error", err)
	}

	history, err := s.req.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	added := s.timeline.Merge(history)
	s.mu.Unlock()

	s.logger.Debug("resynced", "conversation_id", convID, "added", added)
	if added > 0 {
		s.notify()
	}
	return nil
}

// applyRoom makes the channel hold the room the synchronizer currently
// wants. Callers change s.room under mu and then call applyRoom; whichever
// call runs last applies the latest value, so a stale open or resync cannot
// leave the channel in an older room.
func (s *Synchronizer) applyRoom() error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	room := s.room
	s.mu.Unlock()

	if room == "" {
		s.ch.LeaveRoom()
		return nil
	}
	return s.ch.JoinRoom(room)
}

func (s *Synchronizer) pushHandler(gen uint64, convID string) realtime.Handler {
	return func(data json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("dropping malformed push", "error", err)
			return
		}
		if m.ConversationID != convID {
			s.logger.Debug("ignoring push for another conversation",
				"conversation_id", m.ConversationID, "message_id", m.ID)
			return
		}

		s.mu.Lock()
		added := s.gen == gen && s.status == StatusOpen && s.timeline.Insert(m)
		s.mu.Unlock()

		if added {
			s.notify()
		}
	}
}

func (s *Synchronizer) onChannelState(state realtime.State, _ error) {
	degraded := state != realtime.StateConnected

	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = degraded
	resync := wasDegraded && !degraded && s.status == StatusOpen && s.ctx.Err() == nil
	if resync {
		s.wg.Add(1)
	}
	gen, convID := s.gen, s.convID
	s.mu.Unlock()

	if wasDegraded != degraded {
		s.notify()
	}

	if resync {
		go func() {
			defer s.wg.Done()
			if err := s.resync(s.ctx, gen, convID); err != nil && !errors.Is(err, ErrSuperseded) {
				s.logger.Warn("resync after reconnect failed", "conversation_id", convID, "error", err)
			}
		}()
	}
}

// Snapshot returns the current view.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: s.convID,
		Peer:           s.peer,
		Messages:       s.timeline.Messages(),
		Status:         s.status,
		Degraded:       s.degraded,
	}
}

// Watch registers fn to receive a snapshot after every visible change and
// immediately delivers the current one. fn runs synchronously and must not
// call Open, OpenWith, Send, Resync or Close.
func (s *Synchronizer) Watch(fn func(Snapshot)) string {
	id := uuid.NewString()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)
	return id
}

// Unwatch removes a watcher. Unknown IDs are ignored.
func (s *Synchronizer) Unwatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.watchers {
		if w.id == id {
			s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
			return
		}
	}
}

// notify delivers the latest snapshot to every watcher. Snapshots are taken
// under notifyMu so deliveries never go backwards.
func (s *Synchronizer) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if len(s.watchers) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), len(s.watchers))
	for i, w := range s.watchers {
		fns[i] = w.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
