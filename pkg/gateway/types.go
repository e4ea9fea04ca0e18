package gateway

import "github.com/harun/screencraft/pkg/workflow"

// SessionResponse is returned when a session is created.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// ChatRequest carries one user turn.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse carries the final answer of a blocking turn.
type ChatResponse struct {
	Response string `json:"response"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports liveness and load.
type HealthResponse struct {
	Status   string       `json:"status"`
	Sessions int          `json:"sessions"`
	Lanes    int          `json:"lanes"`
	Clients  []ClientInfo `json:"clients"`
}

// WSInbound is a client frame on the websocket.
type WSInbound struct {
	Message string `json:"message"`
}

// Websocket frame types.
const (
	FrameSession = "session"
	FrameChunk   = "chunk"
	FrameDone    = "done"
	FrameError   = "error"
)

// WSOutbound is a server frame on the websocket.
type WSOutbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Chunk     *workflow.Chunk `json:"chunk,omitempty"`
	Error     string          `json:"error,omitempty"`
}
