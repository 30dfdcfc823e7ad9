package relay

import (
	"context"
	"errors"
	"time"

	"chatrelay/logger"
	"chatrelay/service/storage"
	"chatrelay/tools/errs"
	"chatrelay/tools/ids"
)

// TokenVerifier checks a bearer token against the auth provider and returns
// the user identity it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// ConversationStore is the read side the relay needs for authorization.
type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*storage.Conversation, error)
}

// MessageStore is the persistence surface for chat messages.
type MessageStore interface {
	Save(ctx context.Context, m *storage.Message) error
	ListByConversation(ctx context.Context, convID string, limit int64, before string) ([]*storage.Message, string, error)
}

// PresenceTracker records which users hold a live connection. Failures are
// logged, never surfaced to the client.
type PresenceTracker interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

type noopPresence struct{}

func (noopPresence) Online(context.Context, string) error  { return nil }
func (noopPresence) Offline(context.Context, string) error { return nil }

// Deps are the injected collaborators; nothing in the router is a package
// singleton, so tests swap any of these out.
type Deps struct {
	Registry      *Registry
	Rooms         *Rooms
	Fanout        *Fanout
	Verifier      TokenVerifier
	Conversations ConversationStore
	Messages      MessageStore
	Presence      PresenceTracker
}

// RouterConfig bounds the router's suspending calls and history pages.
type RouterConfig struct {
	HistoryPageSize int64
	CallTimeout     time.Duration
}

func (c *RouterConfig) norm() {
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
}

// Router drives the per-connection state machine
// Unauthenticated -> Authenticated -> (InRoom)*. One Router instance serves
// every connection; per-connection state lives on the Client, and each
// connection's frames are handled sequentially by its read loop.
type Router struct {
	registry *Registry
	rooms    *Rooms
	fanout   *Fanout
	verifier TokenVerifier
	convs    ConversationStore
	msgs     MessageStore
	presence PresenceTracker
	conf     RouterConfig
}

func NewRouter(d Deps, conf RouterConfig) *Router {
	conf.norm()
	if d.Presence == nil {
		d.Presence = noopPresence{}
	}
	return &Router{
		registry: d.Registry,
		rooms:    d.Rooms,
		fanout:   d.Fanout,
		verifier: d.Verifier,
		convs:    d.Conversations,
		msgs:     d.Messages,
		presence: d.Presence,
		conf:     conf,
	}
}

// HandleFrame dispatches one inbound frame. Unknown types fall through to a
// single default branch; every client frame type is matched here.
func (r *Router) HandleFrame(ctx context.Context, c *Client, f *Frame) {
	switch f.Type {
	case FrameAuthenticate:
		r.handleAuthenticate(ctx, c, f)
	case FrameJoinConversation:
		r.handleJoin(ctx, c, f)
	case FrameLeaveConversation:
		r.handleLeave(c)
	case FrameSendMessage:
		r.handleSend(ctx, c, f)
	case FrameTyping:
		r.handleTyping(c, f)
	case FrameFetchHistory:
		r.handleFetchHistory(ctx, c, f)
	default:
		c.enqueue(buildError(errs.ErrUnknownMessageType))
	}
}

func (r *Router) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.conf.CallTimeout)
}

// handleAuthenticate verifies the token, binds the identity to this
// connection and evicts any previous session the user held. A failed
// verification leaves the connection unauthenticated; the client may retry.
func (r *Router) handleAuthenticate(ctx context.Context, c *Client, f *Frame) {
	vctx, cancel := r.callCtx(ctx)
	userID, err := r.verifier.Verify(vctx, f.Token)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.enqueue(buildError(errs.ErrTimeout))
			return
		}
		c.enqueue(buildError(errs.ErrAuthenticationFailed))
		return
	}

	// Re-authenticating under a different identity releases the old binding
	// entirely: registry entry and room membership. The new identity must
	// pass the owner check itself before it can send into any conversation.
	if prev := c.User(); prev != "" && prev != userID {
		if room := c.swapRoom(""); room != "" {
			r.rooms.Leave(prev, room)
		}
		r.registry.Unregister(prev, c)
	}
	c.setUser(userID)

	if evicted := r.registry.Register(userID, c); evicted != nil {
		r.evict(evicted)
	}

	if err := r.presence.Online(ctx, userID); err != nil {
		logger.Warnf("[router] presence online user=%s: %v", userID, err)
	}
	c.enqueue(buildAuthenticated(userID))
}

// evict notifies the displaced session and closes its socket. Its membership
// is removed here, synchronously, so the replacement session can re-join the
// same room without its teardown racing us later.
func (r *Router) evict(old *Client) {
	if room := old.swapRoom(""); room != "" {
		r.rooms.Leave(old.User(), room)
	}
	old.enqueue(buildSessionEvicted("signed in from another connection"))
	old.closeWS()
}

// handleJoin authorizes against the conversation owner, moves the connection
// between rooms and replays the first page of history.
func (r *Router) handleJoin(ctx context.Context, c *Client, f *Frame) {
	user := c.User()
	if user == "" {
		c.enqueue(buildError(errs.ErrNotAuthenticated))
		return
	}

	lctx, cancel := r.callCtx(ctx)
	conv, err := r.convs.GetByID(lctx, f.ConversationID)
	cancel()
	if err != nil {
		c.enqueue(buildError(lookupErr(err)))
		return
	}
	if conv.OwnerUserID != user {
		c.enqueue(buildError(errs.ErrAccessDenied))
		return
	}

	// Joining implies leaving the previous room.
	if prev := c.swapRoom(conv.ID); prev != "" && prev != conv.ID {
		r.rooms.Leave(user, prev)
	}
	r.rooms.Join(user, conv.ID)
	c.enqueue(buildConversationJoined(conv.ID))

	hctx, cancel := r.callCtx(ctx)
	msgs, next, err := r.msgs.ListByConversation(hctx, conv.ID, r.conf.HistoryPageSize, "")
	cancel()
	if err != nil {
		c.enqueue(buildError(storeErr(err)))
		return
	}
	c.enqueue(buildConversationHistory(conv.ID, msgs, next))
}

// handleLeave is a silent no-op when the connection is not in a room.
func (r *Router) handleLeave(c *Client) {
	room := c.swapRoom("")
	if room == "" {
		return
	}
	r.rooms.Leave(c.User(), room)
	c.enqueue(buildConversationLeft(room))
}

// handleSend persists then broadcasts. A failed save is reported to the
// sender and the broadcast is suppressed, so other members never see a
// message the store rejected.
func (r *Router) handleSend(ctx context.Context, c *Client, f *Frame) {
	user := c.User()
	if user == "" {
		c.enqueue(buildError(errs.ErrNotAuthenticated))
		return
	}
	room := c.Room()
	if room == "" {
		c.enqueue(buildError(errs.ErrNotInConversation))
		return
	}

	msg := &storage.Message{
		ID:             ids.GenerateString(),
		ConversationID: room,
		UserID:         user,
		Content:        f.Content,
		Role:           storage.RoleUser,
		Metadata:       f.Metadata,
		CreatedAt:      time.Now().UTC(),
	}

	sctx, cancel := r.callCtx(ctx)
	err := r.msgs.Save(sctx, msg)
	cancel()
	if err != nil {
		logger.Errorf("[router] save message conv=%s user=%s: %v", room, user, err)
		c.enqueue(buildError(storeErr(err)))
		return
	}

	r.broadcast(room, user, buildMessageEvent(msg))
}

// handleTyping broadcasts only; indicators are never persisted. Roomless
// typing is a silent no-op per the wire contract.
func (r *Router) handleTyping(c *Client, f *Frame) {
	user := c.User()
	if user == "" {
		c.enqueue(buildError(errs.ErrNotAuthenticated))
		return
	}
	room := c.Room()
	if room == "" {
		return
	}
	r.broadcast(room, user, buildTypingEvent(room, user, f.IsTyping))
}

// handleFetchHistory serves older pages behind the cursor returned by the
// previous conversation_history frame.
func (r *Router) handleFetchHistory(ctx context.Context, c *Client, f *Frame) {
	if c.User() == "" {
		c.enqueue(buildError(errs.ErrNotAuthenticated))
		return
	}
	room := c.Room()
	if room == "" {
		c.enqueue(buildError(errs.ErrNotInConversation))
		return
	}

	limit := f.Limit
	if limit <= 0 || limit > r.conf.HistoryPageSize {
		limit = r.conf.HistoryPageSize
	}
	hctx, cancel := r.callCtx(ctx)
	msgs, next, err := r.msgs.ListByConversation(hctx, room, limit, f.Before)
	cancel()
	if err != nil {
		c.enqueue(buildError(storeErr(err)))
		return
	}
	c.enqueue(buildConversationHistory(room, msgs, next))
}

// broadcast fans a payload out to every room member except the excluded
// sender. Members without a live registry entry are skipped silently.
func (r *Router) broadcast(room, exclude string, payload []byte) {
	members := r.rooms.MembersOf(room)
	if len(members) == 0 {
		return
	}
	conns := make([]*Client, 0, len(members))
	for _, uid := range members {
		if uid == exclude {
			continue
		}
		if cl, ok := r.registry.Lookup(uid); ok {
			conns = append(conns, cl)
		}
	}
	r.fanout.Broadcast(conns, payload)
}

// Teardown runs once when a connection's read loop exits: membership and
// registry cleanup, presence offline, and the outbound queue is closed.
// Presence is only cleared when this connection still owned the registry
// entry; an evicted session must not mark its replacement offline.
func (r *Router) Teardown(c *Client) {
	if room := c.swapRoom(""); room != "" {
		r.rooms.Leave(c.User(), room)
	}
	if user := c.User(); user != "" {
		if r.registry.Unregister(user, c) {
			ctx, cancel := context.WithTimeout(context.Background(), r.conf.CallTimeout)
			if err := r.presence.Offline(ctx, user); err != nil {
				logger.Warnf("[router] presence offline user=%s: %v", user, err)
			}
			cancel()
		}
	}
	c.closeSend()
}

// lookupErr maps conversation lookup failures: an absent conversation is an
// authorization failure on the wire (the client learns nothing about which
// conversations exist).
func lookupErr(err error) error {
	switch {
	case errors.Is(err, errs.ErrRecordNotFound):
		return errs.ErrAccessDenied
	case errors.Is(err, context.DeadlineExceeded):
		return errs.ErrTimeout
	default:
		return errs.ErrPersistenceFailure
	}
}

func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.ErrTimeout
	}
	return errs.ErrPersistenceFailure
}
