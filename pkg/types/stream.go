package types

// StreamEventType is the SSE event discriminator.
type StreamEventType string

const (
	EventContentChunk StreamEventType = "content_chunk"
	EventHeartbeat    StreamEventType = "heartbeat"
	EventComplete     StreamEventType = "complete"
	EventError        StreamEventType = "error"
)

// StreamEvent is a single SSE record. Exactly one of the optional
// payload groups is populated depending on Type.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	TraceID string          `json:"trace_id"`

	// content_chunk
	Content string `json:"content,omitempty"`

	// heartbeat
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	State     string `json:"state,omitempty"`

	// complete
	CitationsCount *int        `json:"citations_count,omitempty"`
	TokenUsage     *TokenUsage `json:"token_usage,omitempty"`
	ProviderID     string      `json:"provider_id,omitempty"`
	ModelID        string      `json:"model_id,omitempty"`

	// error
	ErrorKind string `json:"error_kind,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// TokenUsage reports prompt/completion token counts for one synthesis.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SessionState tracks the SSE state machine. Monotonic except that
// streaming may transition to any terminal state.
type SessionState string

const (
	SessionOpening   SessionState = "opening"
	SessionStreaming SessionState = "streaming"
	SessionCompleted SessionState = "completed"
	SessionErrored   SessionState = "errored"
	SessionTimedOut  SessionState = "timed_out"
)

// Terminal reports whether s is a terminal session state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionErrored, SessionTimedOut:
		return true
	}
	return false
}
