package workflow

import (
	"context"
	"errors"
	"iter"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/harun/screencraft/pkg/commandqueue"
	"github.com/harun/screencraft/pkg/imagegen"
	"github.com/harun/screencraft/pkg/knowledge"
	"github.com/harun/screencraft/pkg/llm"
	"github.com/harun/screencraft/pkg/session"
	"github.com/harun/screencraft/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	productListImage = "screens/product_list.png"
	addButtonIntent  = `{"task": "Add a search button", "screen": "Product List", "application": "Shop Admin"}`
)

type fakeCompleter struct {
	mu sync.Mutex

	intents   []string
	feedbacks []string
	summary   string
	answer    string
	fragments []string

	intentErr   error
	feedbackErr error
	summaryErr  error
	answerErr   error
	streamErr   error

	// block makes Stream wait after the first fragment until it is closed
	// or the context ends.
	block chan struct{}

	calls []string
	last  map[string][]llm.Message
}

func (f *fakeCompleter) kind(messages []llm.Message) string {
	if len(messages) == 0 {
		return "unknown"
	}
	system := messages[0].Content
	switch {
	case strings.Contains(system, "intent extraction"):
		return "intent"
	case strings.Contains(system, "query analyser"):
		return "feedback"
	case strings.Contains(system, "summary assistant"):
		return "summary"
	default:
		return "answer"
	}
}

func pop(replies *[]string) string {
	if len(*replies) == 0 {
		return ""
	}
	reply := (*replies)[0]
	if len(*replies) > 1 {
		*replies = (*replies)[1:]
	}
	return reply
}

func (f *fakeCompleter) record(kind string, messages []llm.Message) {
	f.calls = append(f.calls, kind)
	if f.last == nil {
		f.last = make(map[string][]llm.Message)
	}
	f.last[kind] = messages
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kind := f.kind(messages)
	f.record(kind, messages)
	switch kind {
	case "intent":
		return pop(&f.intents), f.intentErr
	case "feedback":
		return pop(&f.feedbacks), f.feedbackErr
	case "summary":
		return f.summary, f.summaryErr
	default:
		return f.answer, f.answerErr
	}
}

func (f *fakeCompleter) Stream(ctx context.Context, messages []llm.Message) iter.Seq2[string, error] {
	f.mu.Lock()
	f.record("stream", messages)
	fragments := append([]string(nil), f.fragments...)
	streamErr := f.streamErr
	block := f.block
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for i, fragment := range fragments {
			if !yield(fragment, nil) {
				return
			}
			if i == 0 && block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}
}

func (f *fakeCompleter) callsOf(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == kind {
			n++
		}
	}
	return n
}

func (f *fakeCompleter) lastMessages(kind string) []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[kind]
}

type fakeEditor struct {
	mu           sync.Mutex
	images       []imagegen.Image
	err          error
	instructions [][]string
}

func (e *fakeEditor) Edit(_ context.Context, instructions []string, _ []byte) ([]imagegen.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instructions = append(e.instructions, append([]string(nil), instructions...))
	if e.err != nil {
		return nil, e.err
	}
	return e.images, nil
}

func (e *fakeEditor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instructions)
}

type fakeRetriever struct {
	screens []knowledge.Screen
	err     error
	queries []string
	mu      sync.Mutex
}

func (r *fakeRetriever) Search(_ context.Context, query string) ([]knowledge.Screen, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	return r.screens, r.err
}

type fakeArtifacts struct {
	mu      sync.Mutex
	files   map[string][]byte
	loadErr error
	saveErr error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{files: map[string][]byte{productListImage: []byte("original-png")}}
}

func (a *fakeArtifacts) Load(_ context.Context, ref string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	data, ok := a.files[ref]
	if !ok {
		return nil, errors.New("not found: " + ref)
	}
	return data, nil
}

func (a *fakeArtifacts) SaveEdited(originalRef string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return "", a.saveErr
	}
	p := path.Join("edited", path.Base(originalRef))
	a.files[p] = data
	return p, nil
}

type fakeTranscripts struct {
	mu      sync.Mutex
	entries map[string][]transcript.Message
	err     error
}

func (f *fakeTranscripts) Append(_ context.Context, sessionID, _ string, messages ...transcript.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.entries == nil {
		f.entries = make(map[string][]transcript.Message)
	}
	f.entries[sessionID] = append(f.entries[sessionID], messages...)
	return nil
}

func (f *fakeTranscripts) get(sessionID string) []transcript.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[sessionID]
}

func productListScreen() knowledge.Screen {
	return knowledge.Screen{
		Name:    "Product List",
		Content: "The Product List screen shows a table of products with filters.",
		Images:  []string{productListImage},
		Score:   0.9,
	}
}

type harness struct {
	orch        *Orchestrator
	store       *session.Store[AgentState]
	completer   *fakeCompleter
	editor      *fakeEditor
	retriever   *fakeRetriever
	artifacts   *fakeArtifacts
	transcripts *fakeTranscripts
}

func newHarness(t *testing.T, maxEditAttempts int) *harness {
	t.Helper()

	h := &harness{
		store: session.NewStore[AgentState](session.DefaultTTL),
		completer: &fakeCompleter{
			intents:   []string{addButtonIntent},
			summary:   "A product table with filters.",
			answer:    "final answer",
			fragments: []string{"A", "B", "C"},
		},
		editor: &fakeEditor{images: []imagegen.Image{
			{MIME: "image/png", Data: []byte("edited-png")},
		}},
		retriever:   &fakeRetriever{screens: []knowledge.Screen{productListScreen()}},
		artifacts:   newFakeArtifacts(),
		transcripts: &fakeTranscripts{},
	}

	queue := commandqueue.New(zerolog.Nop())
	t.Cleanup(func() { _ = queue.Close() })

	orch, err := New(Config{
		Store:           h.store,
		Queue:           queue,
		Completer:       h.completer,
		Editor:          h.editor,
		Retriever:       h.retriever,
		Artifacts:       h.artifacts,
		Transcripts:     h.transcripts,
		Logger:          zerolog.Nop(),
		MaxEditAttempts: maxEditAttempts,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) stream(t *testing.T, id, input string) []Chunk {
	t.Helper()
	seq, err := h.orch.Stream(context.Background(), id, input)
	require.NoError(t, err)

	var chunks []Chunk
	for c := range seq {
		chunks = append(chunks, c)
	}
	return chunks
}

func (h *harness) state(t *testing.T, id string) AgentState {
	t.Helper()
	st, ok := h.store.Get(id)
	require.True(t, ok)
	return st
}
