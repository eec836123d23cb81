package websocket

// Action constants for WebSocket messages.
const (
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server). A context is either a bare
	// session ID or "<session_id>::<conversation>".
	ActionContextSubscribe   = "context.subscribe"
	ActionContextUnsubscribe = "context.unsubscribe"

	// ActionEvent carries an a2a event as a server -> client notification.
	ActionEvent = "event"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
