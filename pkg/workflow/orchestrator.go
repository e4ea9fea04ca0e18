package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/harun/screencraft/pkg/commandqueue"
	"github.com/harun/screencraft/pkg/imagegen"
	"github.com/harun/screencraft/pkg/llm"
	"github.com/harun/screencraft/pkg/session"
	"github.com/harun/screencraft/pkg/transcript"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// TextMIME tags text chunks.
	TextMIME = "text/plain"

	// DefaultMaxInputChars bounds a single user message.
	DefaultMaxInputChars = 4000
	// DefaultMaxEditAttempts bounds regenerations of one request.
	DefaultMaxEditAttempts = 5

	modeRun    = "run"
	modeStream = "stream"
)

var errTurnAborted = errors.New("turn aborted")

// Chunk is one unit of a streamed response.
type Chunk struct {
	Content string `json:"content"`
	MIME    string `json:"mime"`
	Error   bool   `json:"error,omitempty"`
}

func errorChunk(msg string) Chunk {
	return Chunk{Content: "Error: " + msg, MIME: TextMIME, Error: true}
}

// TranscriptWriter archives committed turns.
type TranscriptWriter interface {
	Append(ctx context.Context, sessionID, turnID string, messages ...transcript.Message) error
}

// Config wires an Orchestrator.
type Config struct {
	Store       *session.Store[AgentState]
	Queue       *commandqueue.Queue
	Completer   llm.Completer
	Editor      imagegen.Editor
	Retriever   Retriever
	Artifacts   Artifacts
	Transcripts TranscriptWriter // optional
	Logger      zerolog.Logger

	MaxEditAttempts int // 0 uses DefaultMaxEditAttempts, negative is unbounded
	MaxInputChars   int
	SummaryWords    int
}

// Orchestrator runs turns of the screen editing workflow against sessions.
type Orchestrator struct {
	store         *session.Store[AgentState]
	queue         *commandqueue.Queue
	completer     llm.Completer
	artifacts     Artifacts
	transcripts   TranscriptWriter
	graph         *Graph
	logger        zerolog.Logger
	maxInputChars int
}

// New validates cfg and builds the workflow graph.
func New(cfg Config) (*Orchestrator, error) {
	switch cfg.MaxEditAttempts {
	case 0:
		cfg.MaxEditAttempts = DefaultMaxEditAttempts
	default:
		if cfg.MaxEditAttempts < 0 {
			cfg.MaxEditAttempts = 0
		}
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}

	logger := cfg.Logger.With().Str("component", "workflow").Logger()
	steps, err := NewSteps(StepsConfig{
		Completer:       cfg.Completer,
		Editor:          cfg.Editor,
		Retriever:       cfg.Retriever,
		Artifacts:       cfg.Artifacts,
		Logger:          logger,
		MaxEditAttempts: cfg.MaxEditAttempts,
		SummaryWords:    cfg.SummaryWords,
	})
	if err != nil {
		return nil, err
	}
	graph, err := newTurnGraph(steps, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}

	if cfg.Store == nil {
		cfg.Store = session.NewStore[AgentState](session.DefaultTTL)
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New(logger)
	}

	return &Orchestrator{
		store:         cfg.Store,
		queue:         cfg.Queue,
		completer:     cfg.Completer,
		artifacts:     cfg.Artifacts,
		transcripts:   cfg.Transcripts,
		graph:         graph,
		logger:        logger,
		maxInputChars: cfg.MaxInputChars,
	}, nil
}

// StartSession creates an empty session and returns its id.
func (o *Orchestrator) StartSession() string {
	id := o.store.Create()
	ctx := tracing.WithSessionID(context.Background(), id)
	observability.RecordSessionAudit(ctx, "create", id, "success", nil)
	o.logger.Info().Str("session_id", id).Msg("Session started")
	return id
}

// DeleteSession removes a session. It reports false for unknown or expired
// ids.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) bool {
	if !o.store.Delete(id) {
		return false
	}
	observability.RecordSessionAudit(tracing.WithSessionID(ctx, id), "delete", id, "success", nil)
	return true
}

// ActiveSessions returns the number of stored sessions, expired or not.
func (o *Orchestrator) ActiveSessions() int {
	return o.store.Len()
}

// Lanes reports the per-session queue lanes that hold work.
func (o *Orchestrator) Lanes() map[string]commandqueue.LaneStats {
	return o.queue.Stats()
}

func (o *Orchestrator) validate(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyInput
	}
	if utf8.RuneCountInString(input) > o.maxInputChars {
		return "", fmt.Errorf("%w: %d characters, limit is %d", ErrInputTooLong, utf8.RuneCountInString(input), o.maxInputChars)
	}
	return input, nil
}

// Run executes one turn and returns the final answer. A turn that reaches the
// end of the workflow returns a nil error even when the agent reported a
// problem; the answer then carries that problem.
func (o *Orchestrator) Run(ctx context.Context, id, input string) (string, error) {
	input, err := o.validate(input)
	if err != nil {
		return "", err
	}
	if _, ok := o.store.Get(id); !ok {
		return "", ErrSessionNotFound
	}

	var answer strings.Builder
	final, err := o.turn(ctx, id, input, modeRun, func(c Chunk) bool {
		switch {
		case c.Error:
		case c.MIME == TextMIME:
			answer.WriteString(c.Content)
		default:
			answer.WriteString("\n" + c.Content + "\n")
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if final.Error != "" {
		return final.Error, nil
	}
	return answer.String(), nil
}

// Stream executes one turn and returns its chunk sequence. The sequence is
// single-use. Stopping early cancels the turn, which then never commits.
func (o *Orchestrator) Stream(ctx context.Context, id, input string) (iter.Seq[Chunk], error) {
	input, err := o.validate(input)
	if err != nil {
		return nil, err
	}
	if _, ok := o.store.Get(id); !ok {
		return nil, ErrSessionNotFound
	}

	return func(yield func(Chunk) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan Chunk)
		done := make(chan error, 1)
		go func() {
			_, err := o.turn(ctx, id, input, modeStream, func(c Chunk) bool {
				select {
				case chunks <- c:
					return true
				case <-ctx.Done():
					return false
				}
			})
			done <- err
			close(chunks)
		}()

		for c := range chunks {
			if !yield(c) {
				cancel()
				for range chunks {
				}
				<-done
				return
			}
		}

		if err := <-done; err != nil && ctx.Err() == nil {
			yield(errorChunk(err.Error()))
		}
	}, nil
}

// turn runs one serialized turn on the session lane, emitting chunks as
// they are produced, and commits when the workflow completes.
func (o *Orchestrator) turn(ctx context.Context, id, input, mode string, emit func(Chunk) bool) (AgentState, error) {
	turnID, err := gonanoid.New()
	if err != nil {
		return AgentState{}, fmt.Errorf("failed to generate turn id: %w", err)
	}
	ctx = tracing.WithTurnID(tracing.WithSessionID(ctx, id), turnID)
	ctx, span := tracing.StartSpan(ctx, "screencraft.workflow", "workflow.turn",
		attribute.String("session_id", id),
		attribute.String("turn_id", turnID),
		attribute.String("mode", mode),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	start := time.Now()

	var final AgentState
	err = o.queue.Enqueue(ctx, "session-"+id, func(ctx context.Context) error {
		var err error
		final, err = o.execute(ctx, id, input, turnID, mode, emit)
		return err
	})

	success := err == nil && final.Error == ""
	observability.RecordTurn(mode, time.Since(start), success)
	if err != nil {
		tracing.Fail(span, err)
		if errors.Is(err, errTurnAborted) && ctx.Err() != nil {
			err = ctx.Err()
		}
		logger.Warn().Err(err).Msg("Turn did not commit")
		return AgentState{}, err
	}
	logger.Info().Dur("duration", time.Since(start)).Bool("agent_error", final.Error != "").Msg("Turn committed")
	return final, nil
}

func (o *Orchestrator) execute(ctx context.Context, id, input, turnID, mode string, emit func(Chunk) bool) (AgentState, error) {
	committed, ok := o.store.Get(id)
	if !ok {
		return AgentState{}, ErrSessionNotFound
	}

	st := committed.Clone()
	st.UserInput = input
	st.Error = ""

	var (
		reply     replyBuilder
		final     AgentState
		failed    bool
		streamErr string
		reached   bool
	)
	send := func(c Chunk) bool {
		reply.add(c)
		observability.RecordChunk(c.MIME)
		return emit(c)
	}

	for step, state := range o.graph.Walk(ctx, st) {
		final = state

		if state.Error != "" && !failed {
			failed = true
			if !send(errorChunk(state.Error)) {
				return AgentState{}, errTurnAborted
			}
		}

		if step == StepGenerateResponse && !failed {
			if err := o.respond(ctx, state, mode, send); err != nil {
				if errors.Is(err, errTurnAborted) || ctx.Err() != nil {
					return AgentState{}, errTurnAborted
				}
				failed = true
				streamErr = err.Error()
				if !send(errorChunk(streamErr)) {
					return AgentState{}, errTurnAborted
				}
			}
		}

		if step == StepSendResponse {
			reached = true
		}
	}
	if !reached {
		if err := ctx.Err(); err != nil {
			return AgentState{}, err
		}
		return AgentState{}, errTurnAborted
	}

	next := final.Clone()
	next.UserInput = input
	if streamErr != "" {
		next.Error = streamErr
	}
	next.Messages = append(committed.Clone().Messages, llm.User(input))
	answer := reply.String()
	if answer != "" {
		next.Messages = append(next.Messages, llm.Assistant(answer))
	}
	o.store.Put(id, next)

	o.archive(ctx, id, turnID, input, answer, next)
	status := "success"
	if next.Error != "" {
		status = "failure"
	}
	observability.RecordSessionAudit(ctx, "commit", id, status, map[string]interface{}{
		"turn_id":               turnID,
		"mode":                  mode,
		"task":                  next.Task,
		"awaiting_confirmation": next.NeedUserClarification,
	})
	return next, nil
}

// respond produces the response chunks for a state that reached
// generate_response without an error.
func (o *Orchestrator) respond(ctx context.Context, st AgentState, mode string, send func(Chunk) bool) error {
	if st.PendingConfirmation() {
		if !send(Chunk{Content: st.AgentQuery, MIME: TextMIME}) {
			return errTurnAborted
		}
		image, err := o.imageChunk(ctx, st, mode)
		if err != nil {
			return err
		}
		if !send(image) {
			return errTurnAborted
		}
		return nil
	}

	messages := responseMessages(st)
	if mode == modeRun {
		text, err := o.completer.Complete(ctx, messages)
		if err != nil {
			return classify(ErrUpstreamTransient, err)
		}
		if !send(Chunk{Content: text, MIME: TextMIME}) {
			return errTurnAborted
		}
		return nil
	}

	for fragment, err := range o.completer.Stream(ctx, messages) {
		if err != nil {
			return classify(ErrUpstreamTransient, err)
		}
		if fragment == "" {
			continue
		}
		if !send(Chunk{Content: fragment, MIME: TextMIME}) {
			return errTurnAborted
		}
	}
	return nil
}

// imageChunk renders the edited image. Streams carry the image bytes, Run
// answers carry the saved path.
func (o *Orchestrator) imageChunk(ctx context.Context, st AgentState, mode string) (Chunk, error) {
	mime := st.ImageMIME
	if mode == modeRun {
		if mime == "" {
			mime = "image/png"
		}
		return Chunk{Content: st.EditedImage, MIME: mime}, nil
	}

	data, err := o.artifacts.Load(ctx, st.EditedImage)
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to load edited image: %w", err)
	}
	if mime == "" {
		mime = imagegen.DetectMIME(data)
	}
	return Chunk{Content: base64.StdEncoding.EncodeToString(data), MIME: mime}, nil
}

func (o *Orchestrator) archive(ctx context.Context, id, turnID, input, answer string, st AgentState) {
	if o.transcripts == nil {
		return
	}
	now := time.Now()
	msgs := []transcript.Message{{Role: string(llm.RoleUser), Content: input, Timestamp: now}}
	if answer != "" {
		meta := map[string]string{}
		if st.PendingConfirmation() {
			meta["edited_image"] = st.EditedImage
			meta["image_mime"] = st.ImageMIME
		}
		if st.Error != "" {
			meta["error"] = st.Error
		}
		msgs = append(msgs, transcript.Message{Role: string(llm.RoleAssistant), Content: answer, Timestamp: now, Metadata: meta})
	}
	if err := o.transcripts.Append(ctx, id, turnID, msgs...); err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Msg("Failed to archive turn")
	}
}

// replyBuilder assembles the assistant message committed for a turn.
type replyBuilder struct {
	b strings.Builder
}

func (r *replyBuilder) add(c Chunk) {
	switch {
	case c.Error:
		r.b.WriteString("\n" + c.Content)
	case c.MIME == TextMIME:
		r.b.WriteString(c.Content)
	default:
		r.b.WriteString("\n" + ImageRedaction + "\n")
	}
}

func (r *replyBuilder) String() string {
	return r.b.String()
}
