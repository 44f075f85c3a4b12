package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the frame shape changes incompatibly.
const ProtocolVersion = 1

// Frame kinds pushed from server to client.
const (
	KindStatus           = "status"
	KindUpdate           = "update"
	KindResult           = "result"
	KindText             = "text"
	KindResponse         = "response"
	KindTitle            = "title"
	KindNER              = "ner"
	KindWarning          = "warning"
	KindError            = "error"
	KindCompleted        = "completed"
	KindHeartbeat        = "heartbeat"
	KindTreeTimeoutError = "tree_timeout_error"
	KindUserTimeoutError = "user_timeout_error"
)

// Client-to-server frame types (the Type field of Request).
const (
	RequestQuery      = "query"
	RequestDisconnect = "disconnect"
)

// Frame is the envelope for every server-to-client message.
type Frame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	QueryID        string          `json:"query_id"`
	Payload        json.RawMessage `json:"payload"`
}

// NewFrame builds a frame with a fresh envelope id. The payload is
// marshalled eagerly so a frame, once built, is immutable and safe to
// persist or replay byte-equal.
func NewFrame(kind, userID, conversationID, queryID string, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Frame{
		Type:           kind,
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		QueryID:        queryID,
		Payload:        raw,
	}
}

// Request is the client-to-server frame.
type Request struct {
	Type            string   `json:"type,omitempty"`
	UserID          string   `json:"user_id"`
	ConversationID  string   `json:"conversation_id"`
	QueryID         string   `json:"query_id"`
	Query           string   `json:"query"`
	CollectionNames []string `json:"collection_names"`
	Route           string   `json:"route,omitempty"`
}

// TextPayload carries human-readable text (status, text, warning,
// error and response frames).
type TextPayload struct {
	Text string `json:"text"`
}

// UpdatePayload carries a typed incremental update from a tool.
type UpdatePayload struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// ResultPayload carries objects emitted by a tool, with the slot they
// belong to in the environment.
type ResultPayload struct {
	Name     string           `json:"name"`
	Variant  string           `json:"variant"`
	Objects  []map[string]any `json:"objects"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// TitlePayload carries the conversation title, emitted at most once
// per conversation on the first prompt.
type TitlePayload struct {
	Title string `json:"title"`
}

// NERPayload carries entities extracted from the first prompt, used by
// clients to highlight the conversation subject.
type NERPayload struct {
	Entities []string `json:"entities"`
}

// HeartbeatPayload probes client liveness after prolonged silence.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}

// ErrorPayload is the body of error, tree_timeout_error and
// user_timeout_error frames.
type ErrorPayload struct {
	Text string `json:"text"`
}

// CompletedPayload terminates a successful run. Exactly one completed
// frame is emitted per run.
type CompletedPayload struct{}
