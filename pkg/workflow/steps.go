package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/screencraft/internal/tracing"
	"github.com/harun/screencraft/pkg/imagegen"
	"github.com/harun/screencraft/pkg/knowledge"
	"github.com/harun/screencraft/pkg/llm"
	"github.com/rs/zerolog"
)

// Retriever finds reference screens for a task, best first.
type Retriever interface {
	Search(ctx context.Context, query string) ([]knowledge.Screen, error)
}

// Artifacts loads source images and persists edited ones.
type Artifacts interface {
	Load(ctx context.Context, ref string) ([]byte, error)
	SaveEdited(originalRef string, data []byte) (string, error)
}

// DefaultSummaryWords bounds the generated screen summary.
const DefaultSummaryWords = 200

// Steps holds the step implementations and their collaborators. Each step
// calls at most one collaborator and never returns an error: failures end up
// in AgentState.Error or in a degraded state.
type Steps struct {
	completer       llm.Completer
	editor          imagegen.Editor
	retriever       Retriever
	artifacts       Artifacts
	logger          zerolog.Logger
	maxEditAttempts int
	summaryWords    int
}

// StepsConfig configures Steps.
type StepsConfig struct {
	Completer       llm.Completer
	Editor          imagegen.Editor
	Retriever       Retriever
	Artifacts       Artifacts
	Logger          zerolog.Logger
	MaxEditAttempts int // 0 means unbounded
	SummaryWords    int
}

// NewSteps validates collaborators and creates Steps.
func NewSteps(cfg StepsConfig) (*Steps, error) {
	switch {
	case cfg.Completer == nil:
		return nil, errors.New("completer is required")
	case cfg.Editor == nil:
		return nil, errors.New("image editor is required")
	case cfg.Retriever == nil:
		return nil, errors.New("retriever is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	}
	if cfg.SummaryWords <= 0 {
		cfg.SummaryWords = DefaultSummaryWords
	}
	return &Steps{
		completer:       cfg.Completer,
		editor:          cfg.Editor,
		retriever:       cfg.Retriever,
		artifacts:       cfg.Artifacts,
		logger:          cfg.Logger,
		maxEditAttempts: cfg.MaxEditAttempts,
		summaryWords:    cfg.SummaryWords,
	}, nil
}

func (s *Steps) log(ctx context.Context, step StepName) zerolog.Logger {
	return tracing.LoggerFromContext(ctx, s.logger).With().Str("step", string(step)).Logger()
}

// AnalyzeIntent rewrites the user input into a one-line task.
func (s *Steps) AnalyzeIntent(ctx context.Context, st AgentState) AgentState {
	if st.NeedUserClarification {
		return st
	}
	logger := s.log(ctx, StepAnalyzeIntent)

	reply, err := s.completer.Complete(ctx, intentMessages(st))
	if err != nil {
		err = classify(ErrIntentParse, err)
		logger.Error().Err(err).Msg("Intent analysis failed")
		st.Error = "Error analyzing intent: " + err.Error()
		return st
	}

	var in intent
	if err := decodeStructured(reply, intentSchema, &in); err != nil {
		logger.Warn().Err(errors.Join(ErrIntentParse, err)).Str("reply", reply).Msg("Failed to parse intent")
		st.Error = intentParseMessage
		return st
	}

	st.Task = composeTask(in)
	logger.Debug().Str("task", st.Task).Msg("Intent analyzed")
	return st
}

// SearchKnowledgeBase retrieves reference screens for the task and selects
// the top result's first image as the edit base.
func (s *Steps) SearchKnowledgeBase(ctx context.Context, st AgentState) AgentState {
	if st.Task == "" {
		return st
	}
	logger := s.log(ctx, StepSearchKnowledgeBase)

	st.EditAttempts = 0
	st.SearchResults = nil
	st.OriginalImage = ""

	screens, err := s.retriever.Search(ctx, st.Task)
	if err != nil {
		logger.Error().Err(classify(ErrRetrieval, err)).Msg("Knowledge base search failed")
		return st
	}

	for _, screen := range screens {
		st.SearchResults = append(st.SearchResults, SearchResult{
			Content:   screen.Content,
			ImageURLs: append([]string(nil), screen.Images...),
		})
	}
	if top, ok := st.TopResult(); ok && len(top.ImageURLs) > 0 {
		st.OriginalImage = top.ImageURLs[0]
	}

	logger.Info().
		Int("results", len(st.SearchResults)).
		Str("original_image", st.OriginalImage).
		Msg("Knowledge base searched")
	return st
}

// SummariseView summarizes the top result. Failures leave the previous
// summary in place.
func (s *Steps) SummariseView(ctx context.Context, st AgentState) AgentState {
	top, ok := st.TopResult()
	if !ok {
		return st
	}
	logger := s.log(ctx, StepSummariseView)

	summary, err := s.completer.Complete(ctx, summaryMessages(top.Content, s.summaryWords))
	if err != nil {
		logger.Error().Err(err).Bool("transient", llm.IsTransient(err)).Msg("Failed to summarise screen")
		return st
	}
	st.ViewSummary = strings.TrimSpace(summary)
	return st
}

// EditImage asks the image service to apply the task to the original image
// and persists the result.
func (s *Steps) EditImage(ctx context.Context, st AgentState) AgentState {
	st = s.editImage(ctx, st)
	st.RedoEdit = false
	return st
}

func (s *Steps) editImage(ctx context.Context, st AgentState) AgentState {
	if st.OriginalImage == "" {
		return st
	}
	logger := s.log(ctx, StepEditImage).With().Str("original_image", st.OriginalImage).Logger()

	base, err := s.artifacts.Load(ctx, st.OriginalImage)
	if err != nil {
		logger.Error().Err(errors.Join(ErrEditGeneration, err)).Msg("Failed to load original image")
		return st
	}

	images, err := s.editor.Edit(ctx, []string{st.ViewSummary, st.Task}, base)
	if err != nil {
		logger.Error().Err(classify(ErrEditGeneration, err)).Msg("Image edit failed")
		return st
	}
	if len(images) == 0 {
		logger.Warn().Err(ErrEditGeneration).Msg("Image edit produced no images")
		return st
	}

	saved := false
	for _, img := range images {
		path, err := s.artifacts.SaveEdited(st.OriginalImage, img.Data)
		if err != nil {
			logger.Error().Err(errors.Join(ErrEditGeneration, err)).Msg("Failed to persist edited image")
			continue
		}
		st.EditedImage = path
		st.ImageMIME = img.MIME
		st.NeedUserClarification = true
		saved = true
	}
	if saved {
		st.EditAttempts++
		logger.Info().Str("edited_image", st.EditedImage).Int("attempt", st.EditAttempts).Msg("Edited image saved")
	}
	return st
}

// FeedbackLoop interprets the user's verdict on a pending edit.
func (s *Steps) FeedbackLoop(ctx context.Context, st AgentState) AgentState {
	logger := s.log(ctx, StepFeedbackLoop)
	st.NeedUserClarification = false

	reply, err := s.completer.Complete(ctx, feedbackMessages(st))
	if err != nil {
		err = classify(ErrFeedbackParse, err)
		logger.Error().Err(err).Msg("Feedback analysis failed")
		st.Error = "Error analyzing feedback: " + err.Error()
		return st
	}

	var fb feedback
	if err := decodeStructured(reply, feedbackSchema, &fb); err != nil {
		logger.Warn().Err(errors.Join(ErrFeedbackParse, err)).Str("reply", reply).Msg("Failed to parse feedback")
		st.Error = feedbackParseMessage
		return st
	}

	if !fb.YesNo {
		st.EditedImage = ""
		st.ImageMIME = ""
		if s.maxEditAttempts > 0 && st.EditAttempts >= s.maxEditAttempts {
			logger.Warn().Int("attempts", st.EditAttempts).Msg("Edit retry limit reached")
			st.Error = retryLimitMessage(st.EditAttempts)
		} else {
			st.RedoEdit = true
		}
	}
	if refined := strings.TrimSpace(fb.RefinedQuery); refined != "" {
		st.Task = refined
	}

	st.Messages = append(st.Messages, llm.User(st.UserInput))
	st.AgentQuery = ""

	logger.Info().Bool("accepted", fb.YesNo).Bool("redo", st.RedoEdit).Msg("Feedback analyzed")
	return st
}

// GenerateResponse sets the confirmation question when an edit is pending.
// The response itself is produced by the turn pipeline.
func (s *Steps) GenerateResponse(_ context.Context, st AgentState) AgentState {
	if st.NeedUserClarification {
		st.AgentQuery = ConfirmationPrompt
	} else {
		st.AgentQuery = ""
	}
	return st
}

// SendResponse records the outcome of the turn.
func (s *Steps) SendResponse(ctx context.Context, st AgentState) AgentState {
	logger := s.log(ctx, StepSendResponse)
	if st.Error != "" {
		logger.Info().Str("error", st.Error).Msg("Sending error response")
	} else {
		logger.Info().Bool("awaiting_confirmation", st.NeedUserClarification).Msg("Response prepared")
	}
	return st
}
