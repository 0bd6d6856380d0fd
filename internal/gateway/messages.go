package gateway

// Event type constants for the client protocol
const (
	// Inbound (client -> server)
	EventTypeChat = "chat"
	EventTypePing = "ping"

	// Outbound (server -> client)
	EventTypeConnected  = "connected"
	EventTypeAIResponse = "ai_response"
	EventTypeError      = "error"
	EventTypePong       = "pong"
)

// Event is the single wire envelope for both directions. Fields not used by
// an event type are omitted from the JSON.
type Event struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	UserID   string                 `json:"userId,omitempty"`
	Username string                 `json:"username,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// errorEvent builds an outbound error event
func errorEvent(message string) *Event {
	return &Event{Type: EventTypeError, Error: message}
}

// connectedEvent builds the post-authentication greeting
func connectedEvent(userID, username string) *Event {
	return &Event{Type: EventTypeConnected, UserID: userID, Username: username}
}
