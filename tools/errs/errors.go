package errs

// Relay error taxonomy. Codes are grouped by failure class:
// 11xx protocol-visible failures, 12xx storage lookups.
const (
	CodeAuthenticationFailure = 1101
	CodeAuthorizationFailure  = 1102
	CodeStateError            = 1103
	CodeProtocolError         = 1104
	CodePersistenceFailure    = 1105
	CodeTimeout               = 1106

	CodeRecordNotFound = 1201
)

var (
	ErrAuthenticationFailed = NewCodeError(CodeAuthenticationFailure, "Authentication failed")
	ErrAccessDenied         = NewCodeError(CodeAuthorizationFailure, "Access denied")
	ErrNotAuthenticated     = NewCodeError(CodeStateError, "Not authenticated")
	ErrNotInConversation    = NewCodeError(CodeStateError, "Not in a conversation")
	ErrUnknownMessageType   = NewCodeError(CodeProtocolError, "Unknown message type")
	ErrInvalidFrame         = NewCodeError(CodeProtocolError, "Invalid message")
	ErrPersistenceFailure   = NewCodeError(CodePersistenceFailure, "Storage operation failed")
	ErrTimeout              = NewCodeError(CodeTimeout, "Request timed out")

	ErrRecordNotFound = NewCodeError(CodeRecordNotFound, "Record not found")
)
