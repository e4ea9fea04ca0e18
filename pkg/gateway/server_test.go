package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/screencraft/pkg/commandqueue"
	"github.com/harun/screencraft/pkg/workflow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	sessions  map[string]bool
	next      int
	chunks    []workflow.Chunk
	answer    string
	runErr    error
	inputs    []string
	delay     time.Duration
	cancelled bool
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		sessions: map[string]bool{"known": true},
		answer:   "final answer",
		chunks: []workflow.Chunk{
			{Content: "Hello ", MIME: workflow.TextMIME},
			{Content: "world", MIME: workflow.TextMIME},
		},
	}
}

func (f *fakeOrchestrator) StartSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := "session-" + string(rune('0'+f.next))
	f.sessions[id] = true
	return id
}

func (f *fakeOrchestrator) DeleteSession(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return false
	}
	delete(f.sessions, id)
	return true
}

func (f *fakeOrchestrator) check(id, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(input) == "" {
		return workflow.ErrEmptyInput
	}
	if !f.sessions[id] {
		return workflow.ErrSessionNotFound
	}
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeOrchestrator) Run(_ context.Context, id, input string) (string, error) {
	if err := f.check(id, input); err != nil {
		return "", err
	}
	return f.answer, f.runErr
}

func (f *fakeOrchestrator) Stream(ctx context.Context, id, input string) (iter.Seq[workflow.Chunk], error) {
	if err := f.check(id, input); err != nil {
		return nil, err
	}
	return func(yield func(workflow.Chunk) bool) {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				f.mu.Lock()
				f.cancelled = true
				f.mu.Unlock()
				return
			}
		}
		for _, c := range f.chunks {
			if !yield(c) {
				return
			}
		}
	}, nil
}

func (f *fakeOrchestrator) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeOrchestrator) Lanes() map[string]commandqueue.LaneStats {
	return map[string]commandqueue.LaneStats{"session-known": {Running: 1}}
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(Config{
		Orchestrator:   orch,
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Config{})
	assert.EqualError(t, err, "orchestrator is required")
}

func TestServer_Sessions(t *testing.T) {
	orch := newFakeOrchestrator()
	_, ts := newTestServer(t, orch)

	t.Run("should create a session", func(t *testing.T) {
		resp := post(t, ts.URL+"/session", "")
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		body := decode[SessionResponse](t, resp)
		assert.Equal(t, "session-1", body.SessionID)
	})

	t.Run("should delete a session once", func(t *testing.T) {
		del := func() int {
			req, err := http.NewRequest(http.MethodDelete, ts.URL+"/session/session-1", nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			return resp.StatusCode
		}
		assert.Equal(t, http.StatusNoContent, del())
		assert.Equal(t, http.StatusNotFound, del())
	})
}

func TestServer_Chat(t *testing.T) {
	orch := newFakeOrchestrator()
	_, ts := newTestServer(t, orch)

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"answer", `{"session_id":"known","message":"hi"}`, http.StatusOK, "final answer"},
		{"unknown session", `{"session_id":"nope","message":"hi"}`, http.StatusNotFound, workflow.ErrSessionNotFound.Error()},
		{"empty message", `{"session_id":"known","message":"  "}`, http.StatusBadRequest, workflow.ErrEmptyInput.Error()},
		{"missing session", `{"message":"hi"}`, http.StatusBadRequest, "session_id is required"},
		{"malformed body", `{`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run("should map "+tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/chat", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.want, decode[ChatResponse](t, resp).Response)
				return
			}
			assert.Contains(t, decode[ErrorResponse](t, resp).Error, tt.want)
		})
	}

	t.Run("should map unexpected failures to 500", func(t *testing.T) {
		orch.runErr = errors.New("queue closed")
		defer func() { orch.runErr = nil }()

		resp := post(t, ts.URL+"/chat", `{"session_id":"known","message":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestServer_ChatStream(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.chunks = append(orch.chunks, workflow.Chunk{Content: "aW1n", MIME: "image/png"})
	_, ts := newTestServer(t, orch)

	t.Run("should stream chunks as NDJSON", func(t *testing.T) {
		resp := post(t, ts.URL+"/chat/stream", `{"session_id":"known","message":"hi"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

		var got []workflow.Chunk
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var c workflow.Chunk
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
			got = append(got, c)
		}
		require.NoError(t, scanner.Err())
		assert.Equal(t, orch.chunks, got)
	})

	t.Run("should reject unknown sessions before streaming", func(t *testing.T) {
		resp := post(t, ts.URL+"/chat/stream", `{"session_id":"nope","message":"hi"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, newFakeOrchestrator())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id")+resp.Header.Get("X-Trace-Id"))
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, 1, body.Lanes)
	assert.Empty(t, body.Clients)
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t, newFakeOrchestrator())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CORS(t *testing.T) {
	_, ts := newTestServer(t, newFakeOrchestrator())

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	t.Run("should allow listed origins", func(t *testing.T) {
		resp := preflight("http://localhost:3000")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	})

	t.Run("should not allow other origins", func(t *testing.T) {
		resp := preflight("http://evil.example")
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSOutbound {
	t.Helper()
	var frame WSOutbound
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestServer_WebSocket(t *testing.T) {
	t.Run("should stream a turn on an existing session", func(t *testing.T) {
		orch := newFakeOrchestrator()
		s, ts := newTestServer(t, orch)
		conn := dialWS(t, ts, "?session_id=known")

		hello := readFrame(t, conn)
		assert.Equal(t, FrameSession, hello.Type)
		assert.Equal(t, "known", hello.SessionID)

		require.NoError(t, conn.WriteJSON(WSInbound{Message: "hi"}))
		for _, want := range orch.chunks {
			frame := readFrame(t, conn)
			assert.Equal(t, FrameChunk, frame.Type)
			require.NotNil(t, frame.Chunk)
			assert.Equal(t, want, *frame.Chunk)
		}
		assert.Equal(t, FrameDone, readFrame(t, conn).Type)
		assert.Equal(t, 1, s.clients.Count())
	})

	t.Run("should create a session when none is given", func(t *testing.T) {
		orch := newFakeOrchestrator()
		_, ts := newTestServer(t, orch)
		conn := dialWS(t, ts, "")

		hello := readFrame(t, conn)
		assert.Equal(t, "session-1", hello.SessionID)
	})

	t.Run("should report rejected turns and keep the connection", func(t *testing.T) {
		orch := newFakeOrchestrator()
		_, ts := newTestServer(t, orch)
		conn := dialWS(t, ts, "?session_id=gone")
		readFrame(t, conn)

		require.NoError(t, conn.WriteJSON(WSInbound{Message: "hi"}))
		frame := readFrame(t, conn)
		assert.Equal(t, FrameError, frame.Type)
		assert.Equal(t, workflow.ErrSessionNotFound.Error(), frame.Error)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("plain text")))
		assert.Equal(t, FrameError, readFrame(t, conn).Type)
	})

	t.Run("should keep a turn alive past the pong wait while the client reads", func(t *testing.T) {
		orch := newFakeOrchestrator()
		orch.delay = 600 * time.Millisecond
		s, ts := newTestServer(t, orch)
		s.pongWait = 200 * time.Millisecond
		s.pingPeriod = 50 * time.Millisecond
		conn := dialWS(t, ts, "?session_id=known")
		readFrame(t, conn)

		require.NoError(t, conn.WriteJSON(WSInbound{Message: "slow edit"}))
		for _, want := range orch.chunks {
			frame := readFrame(t, conn)
			require.Equal(t, FrameChunk, frame.Type)
			assert.Equal(t, want, *frame.Chunk)
		}
		assert.Equal(t, FrameDone, readFrame(t, conn).Type)

		orch.mu.Lock()
		defer orch.mu.Unlock()
		assert.False(t, orch.cancelled)
	})

	t.Run("should refuse clients after shutdown", func(t *testing.T) {
		s, ts := newTestServer(t, newFakeOrchestrator())
		require.NoError(t, s.Stop(context.Background()))

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Orchestrator: newFakeOrchestrator(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
