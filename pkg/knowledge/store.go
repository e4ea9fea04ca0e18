package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

// ErrSyncInProgress is returned when a sync is requested while one runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// Screen is one search hit.
type Screen struct {
	Name         string   `json:"name"`
	Content      string   `json:"content"`
	Images       []string `json:"images"`
	Source       string   `json:"source"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions tunes ranking.
type SearchOptions struct {
	Limit         int
	VectorWeight  float64
	KeywordWeight float64
	MinScore      float64
}

// DefaultSearchOptions returns the stock ranking parameters.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:         3,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		MinScore:      0.2,
	}
}

// Config configures a Store.
type Config struct {
	DBPath   string
	Logger   zerolog.Logger
	Embedder Embedder // optional; nil disables vector search
	Search   SearchOptions
}

// SyncReport summarizes one Sync call.
type SyncReport struct {
	Indexed int
	Skipped int
	Pruned  int
	Failed  int
}

// Store is the screen knowledge base.
type Store struct {
	db       *sql.DB
	logger   zerolog.Logger
	embedder Embedder
	opts     SearchOptions

	mu        sync.Mutex
	isSyncing bool
	lastSync  time.Time
}

// Open opens (creating if needed) the knowledge database.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Search.Limit <= 0 {
		cfg.Search.Limit = DefaultSearchOptions().Limit
	}
	if cfg.Search.VectorWeight == 0 && cfg.Search.KeywordWeight == 0 {
		d := DefaultSearchOptions()
		cfg.Search.VectorWeight, cfg.Search.KeywordWeight = d.VectorWeight, d.KeywordWeight
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   cfg.Logger,
		embedder: cfg.Embedder,
		opts:     cfg.Search,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS screens (
			source TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			images TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS screens_fts USING fts5(
			source UNINDEXED,
			name,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS screen_vectors USING vec0(
				source TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Search returns up to Limit screens ranked by the weighted sum of vector
// and keyword relevance. Either method failing alone degrades to the other.
func (s *Store) Search(ctx context.Context, query string) ([]Screen, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.knowledge", "knowledge.search",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []Screen{}, nil
	}

	var (
		vectorResults  map[string]float64
		keywordResults map[string]float64
		vectorErr      error
		keywordErr     error
		wg             sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.embedder != nil {
			vectorResults, vectorErr = s.vectorSearch(ctx, query, 50)
		}
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = s.keywordSearch(ctx, query, 50)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (vectorErr != nil || s.embedder == nil) {
		err := errors.Join(vectorErr, keywordErr)
		tracing.Fail(span, err)
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results, err := s.rank(ctx, vectorResults, keywordResults)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

// vectorSearch returns source -> cosine similarity in [-1, 1].
func (s *Store) vectorSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, vec_distance_cosine(embedding, ?) AS distance
		FROM screen_vectors
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]float64)
	for rows.Next() {
		var source string
		var distance float64
		if err := rows.Scan(&source, &distance); err != nil {
			return nil, err
		}
		results[source] = 1.0 - distance
	}
	return results, rows.Err()
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// ftsQuery turns free text into an FTS5 OR-query of quoted terms.
func ftsQuery(text string) string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// keywordSearch returns source -> positive BM25 score.
func (s *Store) keywordSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	match := ftsQuery(query)
	if match == "" {
		return map[string]float64{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, bm25(screens_fts) AS score
		FROM screens_fts
		WHERE screens_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]float64)
	for rows.Next() {
		var source string
		var score float64
		if err := rows.Scan(&source, &score); err != nil {
			return nil, err
		}
		results[source] = -score
	}
	return results, rows.Err()
}

type scored struct {
	source       string
	score        float64
	vectorScore  *float64
	keywordScore *float64
}

func (s *Store) merge(vector, keyword map[string]float64) []scored {
	var maxKeyword float64
	for _, v := range keyword {
		if v > maxKeyword {
			maxKeyword = v
		}
	}

	sources := make(map[string]struct{}, len(vector)+len(keyword))
	for id := range vector {
		sources[id] = struct{}{}
	}
	for id := range keyword {
		sources[id] = struct{}{}
	}

	out := make([]scored, 0, len(sources))
	for id := range sources {
		var r scored
		r.source = id

		if sim, ok := vector[id]; ok {
			v := (sim + 1) / 2
			r.vectorScore = &v
			r.score += v * s.opts.VectorWeight
		}
		if bm, ok := keyword[id]; ok {
			var k float64
			if maxKeyword > 0 {
				k = bm / maxKeyword
			}
			r.keywordScore = &k
			r.score += k * s.opts.KeywordWeight
		}

		if s.opts.MinScore > 0 && r.score < s.opts.MinScore {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].source < out[j].source
		}
		return out[i].score > out[j].score
	})
	if len(out) > s.opts.Limit {
		out = out[:s.opts.Limit]
	}
	return out
}

func (s *Store) rank(ctx context.Context, vector, keyword map[string]float64) ([]Screen, error) {
	merged := s.merge(vector, keyword)

	results := make([]Screen, 0, len(merged))
	for _, m := range merged {
		var screen Screen
		var images string
		err := s.db.QueryRowContext(ctx,
			"SELECT name, content, images FROM screens WHERE source = ?", m.source,
		).Scan(&screen.Name, &screen.Content, &images)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load screen %s: %w", m.source, err)
		}
		if err := json.Unmarshal([]byte(images), &screen.Images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", m.source, err)
		}
		screen.Source = m.source
		screen.Score = m.score
		screen.VectorScore = m.vectorScore
		screen.KeywordScore = m.keywordScore
		results = append(results, screen)
	}
	return results, nil
}

// Upsert indexes one document. It reports false when the stored copy already
// has the same content hash.
func (s *Store) Upsert(ctx context.Context, doc Document) (bool, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, "SELECT content_hash FROM screens WHERE source = ?", doc.Source).Scan(&existing)
	if err == nil && existing == doc.Hash {
		return false, nil
	}

	var embeddingJSON []byte
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, doc.Name+"\n\n"+doc.Content)
		if err != nil {
			return false, fmt.Errorf("embed %s: %w", doc.Source, err)
		}
		if embeddingJSON, err = json.Marshal(vec); err != nil {
			return false, fmt.Errorf("marshal embedding: %w", err)
		}
	}

	images := doc.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return false, fmt.Errorf("marshal images: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := s.deleteTx(ctx, tx, doc.Source); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO screens (source, name, content, images, content_hash, indexed_at) VALUES (?, ?, ?, ?, ?, ?)",
		doc.Source, doc.Name, doc.Content, string(imagesJSON), doc.Hash, time.Now().Unix(),
	); err != nil {
		return false, fmt.Errorf("insert screen %s: %w", doc.Source, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO screens_fts (source, name, content) VALUES (?, ?, ?)",
		doc.Source, doc.Name, doc.Content,
	); err != nil {
		return false, fmt.Errorf("index screen %s: %w", doc.Source, err)
	}
	if embeddingJSON != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO screen_vectors (source, embedding) VALUES (?, ?)",
			doc.Source, string(embeddingJSON),
		); err != nil {
			return false, fmt.Errorf("store embedding %s: %w", doc.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) deleteTx(ctx context.Context, tx *sql.Tx, source string) error {
	stmts := []string{
		"DELETE FROM screens WHERE source = ?",
		"DELETE FROM screens_fts WHERE source = ?",
	}
	if s.embedder != nil {
		stmts = append(stmts, "DELETE FROM screen_vectors WHERE source = ?")
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, source); err != nil {
			return fmt.Errorf("delete %s: %w", source, err)
		}
	}
	return nil
}

// Delete removes a screen by source path.
func (s *Store) Delete(ctx context.Context, source string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteTx(ctx, tx, source); err != nil {
		return err
	}
	return tx.Commit()
}

// Sync makes the index mirror the documents under dir: changed documents are
// re-indexed, unchanged ones skipped and vanished ones pruned.
func (s *Store) Sync(ctx context.Context, dir string) (SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.knowledge", "knowledge.sync",
		attribute.String("dir", dir),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		tracing.Fail(span, ErrSyncInProgress)
		return SyncReport{}, ErrSyncInProgress
	}
	s.isSyncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.lastSync = time.Now()
		s.mu.Unlock()
	}()

	start := time.Now()
	var report SyncReport

	docs, loadErr := LoadDocuments(dir)
	if docs == nil && loadErr != nil {
		tracing.Fail(span, loadErr)
		return report, loadErr
	}
	if loadErr != nil {
		logger.Warn().Err(loadErr).Msg("Some screen documents could not be parsed")
		span.RecordError(loadErr)
	}

	present := make(map[string]bool, len(docs))
	for _, doc := range docs {
		present[doc.Source] = true
		indexed, err := s.Upsert(ctx, doc)
		switch {
		case err != nil:
			report.Failed++
			logger.Warn().Err(err).Str("file", doc.Source).Msg("Failed to index screen")
			span.RecordError(err)
		case indexed:
			report.Indexed++
		default:
			report.Skipped++
		}
	}

	pruned, err := s.prune(ctx, present)
	report.Pruned = pruned
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted screens")
		span.RecordError(err)
	}

	observability.RecordKnowledgeSync(time.Since(start))
	if n, err := s.Count(ctx); err == nil {
		observability.SetKnowledgeScreens(n)
	}

	logger.Info().
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("pruned", report.Pruned).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")

	return report, nil
}

func (s *Store) prune(ctx context.Context, present map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source FROM screens")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			rows.Close()
			return 0, err
		}
		if !present[source] {
			stale = append(stale, source)
		}
	}
	rows.Close()

	for i, source := range stale {
		if err := s.Delete(ctx, source); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

// Count returns the number of indexed screens.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM screens").Scan(&n)
	return n, err
}

// LastSync returns when the last sync finished; zero if never.
func (s *Store) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
