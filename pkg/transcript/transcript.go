// Package transcript archives committed conversation turns as JSONL files,
// one file per session. Transcripts are write-mostly: agent state is never
// restored from them.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const extension = ".jsonl"

// Message is one archived conversation message.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Entry is one JSONL line.
type Entry struct {
	SessionID string  `json:"session_id"`
	TurnID    string  `json:"turn_id,omitempty"`
	Message   Message `json:"message"`
}

// Archive writes and reads transcripts under a directory.
type Archive struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates the directory if needed.
func New(dir string, logger zerolog.Logger) (*Archive, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Transcript archive initialized")
	return &Archive{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return errors.New("session id cannot be empty")
	case strings.Contains(id, ".."):
		return errors.New("session id cannot contain '..'")
	case strings.ContainsAny(id, "/\\"):
		return errors.New("session id cannot contain path separators")
	case strings.Contains(id, "\x00"):
		return errors.New("session id cannot contain null bytes")
	}
	return nil
}

func (a *Archive) path(id string) string {
	return filepath.Join(a.dir, id+extension)
}

func (a *Archive) lockFor(id string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	if lock, ok := a.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.writeLocks[id] = lock
	return lock
}

// Append writes messages for one turn. Messages with empty content are
// skipped.
func (a *Archive) Append(ctx context.Context, sessionID, turnID string, messages ...Message) error {
	ctx, span := tracing.StartSpan(ctx, "screencraft.transcript", "transcript.append",
		attribute.String("session_id", sessionID),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	start := time.Now()
	defer func() { observability.RecordTranscriptWrite(time.Since(start)) }()

	if err := validateID(sessionID); err != nil {
		tracing.Fail(span, err)
		return err
	}

	var buf []byte
	written := 0
	for _, msg := range messages {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = start
		}
		line, err := json.Marshal(Entry{SessionID: sessionID, TurnID: turnID, Message: msg})
		if err != nil {
			tracing.Fail(span, err)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(append(buf, line...), '\n')
		written++
	}
	if written == 0 {
		return nil
	}

	lock := a.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(a.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger.Debug().Int("messages", written).Msg("Transcript appended")
	return nil
}

// Load reads every valid entry of a transcript. Corrupt lines are skipped.
func (a *Archive) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.transcript", "transcript.load",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	if err := validateID(sessionID); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	file, err := os.Open(a.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Skipping invalid transcript line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Delete removes a transcript; a missing one is not an error.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}

	lock := a.lockFor(sessionID)
	lock.Lock()
	err := os.Remove(a.path(sessionID))
	lock.Unlock()

	a.locksMu.Lock()
	delete(a.writeLocks, sessionID)
	a.locksMu.Unlock()

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().Str("session_id", sessionID).Msg("Transcript deleted")
	return nil
}

// List returns the ids of all archived sessions.
func (a *Archive) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), extension))
	}
	return ids, nil
}

// Prune deletes transcripts not written to for maxAge. A non-positive
// maxAge keeps everything.
func (a *Archive) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	ids, err := a.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, id := range ids {
		info, err := os.Stat(a.path(id))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := a.Delete(ctx, id); err != nil {
			a.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to prune transcript")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		a.logger.Info().Int("deleted", deleted).Msg("Pruned old transcripts")
	}
	return deleted, nil
}
