package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatrelay/service/storage"
	"chatrelay/tools/errs"
)

// ---- fakes ----

type fakeVerifier struct {
	users map[string]string // token -> userID
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	if uid, ok := v.users[token]; ok {
		return uid, nil
	}
	return "", errs.ErrAuthenticationFailed.Wrap()
}

type fakeConvStore struct {
	convs map[string]*storage.Conversation
	err   error
}

func (s *fakeConvStore) GetByID(_ context.Context, id string) (*storage.Conversation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if c, ok := s.convs[id]; ok {
		return c, nil
	}
	return nil, errs.ErrRecordNotFound.Wrap()
}

type fakeMsgStore struct {
	saved    []*storage.Message
	saveErr  error
	page     []*storage.Message
	next     string
	listErr  error
	gotLimit int64
	gotPrev  string
}

func (s *fakeMsgStore) Save(_ context.Context, m *storage.Message) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, m)
	return nil
}

func (s *fakeMsgStore) ListByConversation(_ context.Context, _ string, limit int64, before string) ([]*storage.Message, string, error) {
	s.gotLimit = limit
	s.gotPrev = before
	if s.listErr != nil {
		return nil, "", s.listErr
	}
	return s.page, s.next, nil
}

type fakePresence struct {
	online  []string
	offline []string
}

func (p *fakePresence) Online(_ context.Context, user string) error {
	p.online = append(p.online, user)
	return nil
}

func (p *fakePresence) Offline(_ context.Context, user string) error {
	p.offline = append(p.offline, user)
	return nil
}

// ---- harness ----

type harness struct {
	router   *Router
	registry *Registry
	rooms    *Rooms
	verifier *fakeVerifier
	convs    *fakeConvStore
	msgs     *fakeMsgStore
	presence *fakePresence
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		rooms:    NewRooms(),
		verifier: &fakeVerifier{users: map[string]string{
			"tok-alice": "alice",
			"tok-bob":   "bob",
		}},
		convs: &fakeConvStore{convs: map[string]*storage.Conversation{
			"conv-1": {ID: "conv-1", OwnerUserID: "alice", Title: "first"},
			"conv-2": {ID: "conv-2", OwnerUserID: "alice", Title: "second"},
			"conv-b": {ID: "conv-b", OwnerUserID: "bob", Title: "bobs"},
		}},
		msgs:     &fakeMsgStore{},
		presence: &fakePresence{},
	}
	fanout := NewFanout(1, 64)
	t.Cleanup(fanout.Close)
	h.router = NewRouter(Deps{
		Registry:      h.registry,
		Rooms:         h.rooms,
		Fanout:        fanout,
		Verifier:      h.verifier,
		Conversations: h.convs,
		Messages:      h.msgs,
		Presence:      h.presence,
	}, RouterConfig{HistoryPageSize: 50, CallTimeout: time.Second})
	return h
}

func (h *harness) handle(c *Client, f *Frame) {
	h.router.HandleFrame(context.Background(), c, f)
}

// wire is a loose decoding of any outbound frame.
type wire struct {
	Type           string             `json:"type"`
	Success        bool               `json:"success"`
	UserID         string             `json:"userId"`
	ConversationID string             `json:"conversationId"`
	Code           int                `json:"code"`
	Messages       []*storage.Message `json:"messages"`
	NextCursor     string             `json:"nextCursor"`
	IsTyping       bool               `json:"isTyping"`
	Reason         string             `json:"reason"`
	Message        json.RawMessage    `json:"message"`
}

func recv(t *testing.T, c *Client) wire {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		if !ok {
			t.Fatalf("send channel closed")
		}
		var w wire
		if err := json.Unmarshal(raw, &w); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		return w
	case <-time.After(time.Second):
		t.Fatalf("no frame within 1s")
	}
	return wire{}
}

func recvNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func wantError(t *testing.T, c *Client, code int) {
	t.Helper()
	w := recv(t, c)
	if w.Type != string(FrameError) {
		t.Fatalf("type = %q, want error", w.Type)
	}
	if w.Code != code {
		t.Fatalf("code = %d, want %d", w.Code, code)
	}
}

func authAs(t *testing.T, h *harness, c *Client, token, wantUser string) {
	t.Helper()
	h.handle(c, &Frame{Type: FrameAuthenticate, Token: token})
	w := recv(t, c)
	if w.Type != string(FrameAuthenticated) || !w.Success || w.UserID != wantUser {
		t.Fatalf("authenticate reply = %+v", w)
	}
}

func join(t *testing.T, h *harness, c *Client, conv string) {
	t.Helper()
	h.handle(c, &Frame{Type: FrameJoinConversation, ConversationID: conv})
	if w := recv(t, c); w.Type != string(FrameConversationJoined) || w.ConversationID != conv {
		t.Fatalf("join reply = %+v", w)
	}
	if w := recv(t, c); w.Type != string(FrameConversationHistory) {
		t.Fatalf("expected history after join, got %+v", w)
	}
}

// ---- tests ----

func TestAuthenticateSuccess(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	authAs(t, h, c, "tok-alice", "alice")

	if got, ok := h.registry.Lookup("alice"); !ok || got != c {
		t.Fatalf("registry does not hold the client")
	}
	if len(h.presence.online) != 1 || h.presence.online[0] != "alice" {
		t.Fatalf("presence online = %v", h.presence.online)
	}
}

func TestAuthenticateBadToken(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: FrameAuthenticate, Token: "nope"})
	wantError(t, c, errs.CodeAuthenticationFailure)

	if h.registry.Len() != 0 {
		t.Fatalf("failed auth must not register")
	}
	if c.User() != "" {
		t.Fatalf("user = %q, want empty", c.User())
	}
}

func TestAuthenticateRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: FrameAuthenticate, Token: "nope"})
	wantError(t, c, errs.CodeAuthenticationFailure)

	authAs(t, h, c, "tok-alice", "alice")
}

func TestJoinRequiresAuth(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: FrameJoinConversation, ConversationID: "conv-1"})
	wantError(t, c, errs.CodeStateError)
}

func TestJoinDeniedForNonOwner(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameJoinConversation, ConversationID: "conv-b"})
	wantError(t, c, errs.CodeAuthorizationFailure)

	if h.rooms.Contains("alice", "conv-b") {
		t.Fatalf("denied join must not add membership")
	}
}

func TestJoinUnknownConversationLooksLikeDenied(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameJoinConversation, ConversationID: "missing"})
	wantError(t, c, errs.CodeAuthorizationFailure)
}

func TestJoinReplaysHistory(t *testing.T) {
	h := newHarness(t)
	h.msgs.page = []*storage.Message{
		{ID: "100", ConversationID: "conv-1", UserID: "alice", Content: "older"},
		{ID: "101", ConversationID: "conv-1", UserID: "alice", Content: "newer"},
	}
	h.msgs.next = "100"

	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameJoinConversation, ConversationID: "conv-1"})
	if w := recv(t, c); w.Type != string(FrameConversationJoined) {
		t.Fatalf("first reply = %+v", w)
	}
	w := recv(t, c)
	if w.Type != string(FrameConversationHistory) {
		t.Fatalf("second reply = %+v", w)
	}
	if len(w.Messages) != 2 || w.Messages[0].Content != "older" {
		t.Fatalf("history = %+v", w.Messages)
	}
	if w.NextCursor != "100" {
		t.Fatalf("nextCursor = %q", w.NextCursor)
	}
	if h.msgs.gotPrev != "" {
		t.Fatalf("first page must not pass a cursor, got %q", h.msgs.gotPrev)
	}
	if !h.rooms.Contains("alice", "conv-1") {
		t.Fatalf("membership missing after join")
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	join(t, h, c, "conv-1")
	join(t, h, c, "conv-2")

	if h.rooms.Contains("alice", "conv-1") {
		t.Fatalf("still member of the old room")
	}
	if !h.rooms.Contains("alice", "conv-2") {
		t.Fatalf("not a member of the new room")
	}
	if h.rooms.Len() != 1 {
		t.Fatalf("rooms = %d, want 1 (empty room must be collected)", h.rooms.Len())
	}
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")
	join(t, h, c, "conv-1")

	h.handle(c, &Frame{Type: FrameLeaveConversation})
	if w := recv(t, c); w.Type != string(FrameConversationLeft) || w.ConversationID != "conv-1" {
		t.Fatalf("leave reply = %+v", w)
	}
	if h.rooms.Len() != 0 {
		t.Fatalf("room not collected after last leave")
	}
	if c.Room() != "" {
		t.Fatalf("room = %q, want empty", c.Room())
	}
}

func TestLeaveWhenRoomlessIsSilent(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameLeaveConversation})
	recvNone(t, c)
}

func TestSendPersistsThenBroadcasts(t *testing.T) {
	h := newHarness(t)
	sender := NewClient("c1", nil, 16)
	other := NewClient("c2", nil, 16)
	authAs(t, h, sender, "tok-alice", "alice")
	authAs(t, h, other, "tok-bob", "bob")
	join(t, h, sender, "conv-1")

	// Owner check is per-conversation, so put bob in the room directly.
	h.rooms.Join("bob", "conv-1")
	other.swapRoom("conv-1")

	h.handle(sender, &Frame{Type: FrameSendMessage, Content: "hello"})

	w := recv(t, other)
	if w.Type != string(FrameMessage) {
		t.Fatalf("other got %+v", w)
	}
	var m storage.Message
	if err := json.Unmarshal(w.Message, &m); err != nil {
		t.Fatalf("message body: %v", err)
	}
	if m.Content != "hello" || m.UserID != "alice" || m.ConversationID != "conv-1" {
		t.Fatalf("message = %+v", m)
	}
	if m.ID == "" {
		t.Fatalf("message must carry a generated id")
	}

	// The sender does not receive its own broadcast.
	recvNone(t, sender)

	if len(h.msgs.saved) != 1 || h.msgs.saved[0].Content != "hello" {
		t.Fatalf("saved = %+v", h.msgs.saved)
	}
}

func TestSendPersistFailureSuppressesBroadcast(t *testing.T) {
	h := newHarness(t)
	h.msgs.saveErr = errs.ErrPersistenceFailure.Wrap()

	sender := NewClient("c1", nil, 16)
	other := NewClient("c2", nil, 16)
	authAs(t, h, sender, "tok-alice", "alice")
	authAs(t, h, other, "tok-bob", "bob")
	join(t, h, sender, "conv-1")
	h.rooms.Join("bob", "conv-1")
	other.swapRoom("conv-1")

	h.handle(sender, &Frame{Type: FrameSendMessage, Content: "doomed"})

	wantError(t, sender, errs.CodePersistenceFailure)
	recvNone(t, other)
	if len(h.msgs.saved) != 0 {
		t.Fatalf("nothing should be recorded on failure")
	}
}

func TestSendWithoutRoom(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameSendMessage, Content: "hi"})
	wantError(t, c, errs.CodeStateError)
}

func TestSendWithoutAuth(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: FrameSendMessage, Content: "hi"})
	wantError(t, c, errs.CodeStateError)
}

func TestTypingBroadcastsWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	sender := NewClient("c1", nil, 16)
	other := NewClient("c2", nil, 16)
	authAs(t, h, sender, "tok-alice", "alice")
	authAs(t, h, other, "tok-bob", "bob")
	join(t, h, sender, "conv-1")
	h.rooms.Join("bob", "conv-1")
	other.swapRoom("conv-1")

	h.handle(sender, &Frame{Type: FrameTyping, IsTyping: true})

	w := recv(t, other)
	if w.Type != string(FrameTyping) || !w.IsTyping || w.UserID != "alice" || w.ConversationID != "conv-1" {
		t.Fatalf("typing frame = %+v", w)
	}
	recvNone(t, sender)
	if len(h.msgs.saved) != 0 {
		t.Fatalf("typing must not be persisted")
	}
}

func TestTypingWithoutRoomIsSilent(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameTyping, IsTyping: true})
	recvNone(t, c)
}

func TestTypingWithoutAuth(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: FrameTyping, IsTyping: true})
	wantError(t, c, errs.CodeStateError)
}

func TestFetchHistoryUsesCursor(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")
	join(t, h, c, "conv-1")

	h.msgs.page = []*storage.Message{{ID: "42", Content: "old"}}
	h.msgs.next = ""

	h.handle(c, &Frame{Type: FrameFetchHistory, Before: "100", Limit: 10})
	w := recv(t, c)
	if w.Type != string(FrameConversationHistory) || len(w.Messages) != 1 {
		t.Fatalf("history = %+v", w)
	}
	if h.msgs.gotPrev != "100" || h.msgs.gotLimit != 10 {
		t.Fatalf("store got before=%q limit=%d", h.msgs.gotPrev, h.msgs.gotLimit)
	}
	if w.NextCursor != "" {
		t.Fatalf("exhausted history must not return a cursor")
	}
}

func TestFetchHistoryClampsLimit(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")
	join(t, h, c, "conv-1")

	h.handle(c, &Frame{Type: FrameFetchHistory, Limit: 10_000})
	recv(t, c)
	if h.msgs.gotLimit != 50 {
		t.Fatalf("limit = %d, want clamped to 50", h.msgs.gotLimit)
	}
}

func TestFetchHistoryWithoutRoom(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")

	h.handle(c, &Frame{Type: FrameFetchHistory})
	wantError(t, c, errs.CodeStateError)
}

func TestUnknownFrameType(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.handle(c, &Frame{Type: "subscribe_all"})
	wantError(t, c, errs.CodeProtocolError)
}

func TestSecondSessionEvictsFirst(t *testing.T) {
	h := newHarness(t)
	first := NewClient("c1", nil, 16)
	second := NewClient("c2", nil, 16)

	authAs(t, h, first, "tok-alice", "alice")
	join(t, h, first, "conv-1")

	authAs(t, h, second, "tok-alice", "alice")

	w := recv(t, first)
	if w.Type != string(FrameSessionEvicted) || w.Reason == "" {
		t.Fatalf("first session got %+v, want session_evicted", w)
	}
	if got, _ := h.registry.Lookup("alice"); got != second {
		t.Fatalf("registry must point at the new session")
	}
	if h.rooms.Contains("alice", "conv-1") {
		t.Fatalf("evicted session's membership must be removed")
	}

	// The evicted connection's teardown must not disturb the new session.
	h.router.Teardown(first)
	if got, ok := h.registry.Lookup("alice"); !ok || got != second {
		t.Fatalf("teardown of the old session removed the new entry")
	}
	if len(h.presence.offline) != 0 {
		t.Fatalf("old session must not mark the user offline, got %v", h.presence.offline)
	}
}

func TestReauthenticateNewIdentityDropsOldRoom(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")
	join(t, h, c, "conv-1")

	// Same connection rebinds to a different user.
	authAs(t, h, c, "tok-bob", "bob")

	if c.Room() != "" {
		t.Fatalf("room = %q, rebind must clear it", c.Room())
	}
	if h.rooms.Contains("alice", "conv-1") {
		t.Fatalf("old identity's membership must be removed")
	}
	if _, ok := h.registry.Lookup("alice"); ok {
		t.Fatalf("old identity still registered")
	}
	if got, ok := h.registry.Lookup("bob"); !ok || got != c {
		t.Fatalf("new identity not bound to the connection")
	}

	// The new identity never passed the owner check for any conversation.
	h.handle(c, &Frame{Type: FrameSendMessage, Content: "smuggled"})
	wantError(t, c, errs.CodeStateError)
	if len(h.msgs.saved) != 0 {
		t.Fatalf("message persisted without a join: %+v", h.msgs.saved)
	}

	h.router.Teardown(c)
	if h.rooms.Len() != 0 {
		t.Fatalf("stale membership after teardown")
	}
}

func TestTeardownCleansUp(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)
	authAs(t, h, c, "tok-alice", "alice")
	join(t, h, c, "conv-1")

	h.router.Teardown(c)

	if h.registry.Len() != 0 {
		t.Fatalf("registry not empty after teardown")
	}
	if h.rooms.Len() != 0 {
		t.Fatalf("rooms not empty after teardown")
	}
	if len(h.presence.offline) != 1 || h.presence.offline[0] != "alice" {
		t.Fatalf("presence offline = %v", h.presence.offline)
	}
	if _, ok := <-c.Send; ok {
		// Drain any pending frame; the channel must end up closed.
		for range c.Send {
		}
	}
}

func TestTeardownBeforeAuth(t *testing.T) {
	h := newHarness(t)
	c := NewClient("c1", nil, 16)

	h.router.Teardown(c)
	if len(h.presence.offline) != 0 {
		t.Fatalf("unauthenticated teardown must not touch presence")
	}
}
