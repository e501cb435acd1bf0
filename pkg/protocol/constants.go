package protocol

// Outbound event names.
const (
	EventAuthenticate = "authenticate"
	EventStartChat    = "start_chat"
	EventChatMessage  = "chat_message"
)

// Inbound event names.
const (
	EventAuthSuccess = "auth:success"
	EventAuthError   = "auth:error"

	EventChatSessionStarted = "chat:session-started"
	EventChatPartial        = "chat:partial"
	EventChatCompleted      = "chat:completed"
	EventChatFailed         = "chat:failed"

	EventSummaryProgress  = "summary:progress"
	EventSummaryCompleted = "summary:completed"
	EventSummaryFailed    = "summary:failed"

	EventNotification = "notification"
)

// Namespaces served by the event server.
const (
	NamespaceChat    = "chat"
	NamespaceSummary = "summary"
)

// HTTP surface of the event server.
const (
	// RealtimePathPrefix is joined with a namespace to form the WebSocket path.
	RealtimePathPrefix = "/rt/"

	// UploadPath accepts multipart document uploads.
	UploadPath = "/upload"

	// IdentityHeader carries the caller identity on REST requests.
	IdentityHeader = "X-Identity"
)

// IsAuthEvent reports whether event belongs to the authentication handshake.
func IsAuthEvent(event string) bool {
	return event == EventAuthSuccess || event == EventAuthError
}
