package relay

import (
	"encoding/json"

	"chatrelay/logger"
	"chatrelay/service/storage"
	"chatrelay/tools/errs"
)

// FrameType tags every frame on the wire. Client-to-server types form a
// closed set; the router dispatches on them exhaustively with a single
// default branch for anything unrecognized.
type FrameType string

// Client -> server.
const (
	FrameAuthenticate      FrameType = "authenticate"
	FrameJoinConversation  FrameType = "join_conversation"
	FrameLeaveConversation FrameType = "leave_conversation"
	FrameSendMessage       FrameType = "send_message"
	FrameTyping            FrameType = "typing"
	FrameFetchHistory      FrameType = "fetch_history"
)

// Server -> client.
const (
	FrameAuthenticated       FrameType = "authenticated"
	FrameConversationJoined  FrameType = "conversation_joined"
	FrameConversationHistory FrameType = "conversation_history"
	FrameConversationLeft    FrameType = "conversation_left"
	FrameMessage             FrameType = "message"
	FrameError               FrameType = "error"
	FrameSessionEvicted      FrameType = "session_evicted"
)

// Frame is the inbound envelope. Fields are a union over all client frame
// types; each handler reads only the fields its type defines.
type Frame struct {
	Type           FrameType              `json:"type"`
	Token          string                 `json:"token,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
	Content        string                 `json:"content,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IsTyping       bool                   `json:"isTyping,omitempty"`
	Before         string                 `json:"before,omitempty"`
	Limit          int64                  `json:"limit,omitempty"`
}

// ParseFrame decodes one inbound frame. A missing type tag is a protocol
// error just like malformed JSON.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidFrame.WrapMsg(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidFrame.WrapMsg("missing type")
	}
	return &f, nil
}

// ---- outbound frame builders ----

type authenticatedBody struct {
	Type    FrameType `json:"type"`
	Success bool      `json:"success"`
	UserID  string    `json:"userId"`
}

type errorBody struct {
	Type    FrameType `json:"type"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message"`
}

type joinedBody struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId"`
}

type historyBody struct {
	Type           FrameType          `json:"type"`
	ConversationID string             `json:"conversationId"`
	Messages       []*storage.Message `json:"messages"`
	NextCursor     string             `json:"nextCursor,omitempty"`
}

type leftBody struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId"`
}

type messageBody struct {
	Type    FrameType        `json:"type"`
	Message *storage.Message `json:"message"`
}

type typingBody struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

type evictedBody struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

func buildAuthenticated(userID string) []byte {
	return mustJSON(authenticatedBody{Type: FrameAuthenticated, Success: true, UserID: userID})
}

// buildError maps coded errors to {code, message}; plain errors fall back to
// their Error() text with no code.
func buildError(err error) []byte {
	return mustJSON(errorBody{Type: FrameError, Code: errs.Code(err), Message: errs.Message(err)})
}

func buildConversationJoined(convID string) []byte {
	return mustJSON(joinedBody{Type: FrameConversationJoined, ConversationID: convID})
}

func buildConversationHistory(convID string, msgs []*storage.Message, next string) []byte {
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	return mustJSON(historyBody{Type: FrameConversationHistory, ConversationID: convID, Messages: msgs, NextCursor: next})
}

func buildConversationLeft(convID string) []byte {
	return mustJSON(leftBody{Type: FrameConversationLeft, ConversationID: convID})
}

func buildMessageEvent(m *storage.Message) []byte {
	return mustJSON(messageBody{Type: FrameMessage, Message: m})
}

func buildTypingEvent(convID, userID string, isTyping bool) []byte {
	return mustJSON(typingBody{Type: FrameTyping, ConversationID: convID, UserID: userID, IsTyping: isTyping})
}

func buildSessionEvicted(reason string) []byte {
	return mustJSON(evictedBody{Type: FrameSessionEvicted, Reason: reason})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with non-serializable metadata values.
		logger.Errorf("[frames] marshal failed: %v", err)
		return []byte(`{"type":"error","message":"internal encoding error"}`)
	}
	return b
}
