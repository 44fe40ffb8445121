// Package schemaindex stores one retrievable document per database table and
// returns the documents most relevant to a question.
package schemaindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/IM-26-AI/QueryMind/pkg/embedding"
)

// Document is the retrievable description of one table.
type Document struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Score     float64   `json:"score,omitempty"`
}

// Store is a SQLite-backed schema index.
type Store struct {
	db          *sql.DB
	engine      embedding.Engine
	logger      *zap.Logger
	concurrency int
	mu          sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithEngine enables embedding-based ranking. Without one the store ranks by keyword overlap.
func WithEngine(engine embedding.Engine) Option {
	return func(s *Store) {
		s.engine = engine
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency bounds parallel embedding calls during Upsert.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Open opens (creating if needed) the index at path. ":memory:" is accepted.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: zap.NewNop(), concurrency: 4}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_docs (
		name TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		embedding TEXT,
		engine TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_docs table: %w", err)
	}
	return nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert embeds (when an engine is configured) and stores docs, replacing by name.
func (s *Store) Upsert(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}

	if s.engine != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i := range docs {
			if len(docs[i].Embedding) > 0 {
				continue
			}
			g.Go(func() error {
				vec, err := s.engine.Embed(gctx, docs[i].Content)
				if err != nil {
					return fmt.Errorf("embed %s: %w", docs[i].Name, err)
				}
				docs[i].Embedding = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	engineName := ""
	if s.engine != nil {
		engineName = s.engine.Name()
	}
	for _, doc := range docs {
		var vec sql.NullString
		if len(doc.Embedding) > 0 {
			data, err := json.Marshal(doc.Embedding)
			if err != nil {
				return err
			}
			vec = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_docs (name, content, embedding, engine, updated_at)
			 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(name) DO UPDATE SET content = excluded.content, embedding = excluded.embedding,
			 engine = excluded.engine, updated_at = excluded.updated_at`,
			doc.Name, doc.Content, vec, engineName)
		if err != nil {
			return fmt.Errorf("store %s: %w", doc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("schema documents indexed", zap.Int("count", len(docs)), zap.String("engine", engineName))
	return nil
}

// Count returns the number of indexed documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_docs").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Query returns up to k documents ordered by relevance to text. An empty index
// yields an empty slice, not an error.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Document, error) {
	if k <= 0 {
		return []Document{}, nil
	}

	docs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []Document{}, nil
	}

	if s.engine != nil && hasEmbeddings(docs) {
		return s.rankBySimilarity(ctx, text, docs, k)
	}
	return rankByKeywords(text, docs, k), nil
}

func (s *Store) all(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name, content, embedding FROM schema_docs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query schema_docs: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var vec sql.NullString
		if err := rows.Scan(&doc.Name, &doc.Content, &vec); err != nil {
			return nil, err
		}
		if vec.Valid && vec.String != "" {
			if err := json.Unmarshal([]byte(vec.String), &doc.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", doc.Name, err)
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) rankBySimilarity(ctx context.Context, text string, docs []Document, k int) ([]Document, error) {
	query, err := s.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	ranked := make([]Document, 0, len(docs))
	skipped := 0
	for _, doc := range docs {
		sim, err := embedding.CosineSimilarity(query, doc.Embedding)
		if err != nil {
			skipped++
			continue
		}
		doc.Score = sim
		ranked = append(ranked, doc)
	}
	if skipped > 0 {
		s.logger.Warn("skipped documents with mismatched embeddings; re-run indexing", zap.Int("skipped", skipped))
	}

	sortByScore(ranked)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func hasEmbeddings(docs []Document) bool {
	for _, doc := range docs {
		if len(doc.Embedding) > 0 {
			return true
		}
	}
	return false
}

// rankByKeywords scores documents by how many distinct question terms they contain.
// Documents without any matching term are dropped.
func rankByKeywords(text string, docs []Document, k int) []Document {
	terms := keywords(text)
	ranked := []Document{}
	if len(terms) == 0 {
		return ranked
	}

	for _, doc := range docs {
		content := strings.ToLower(doc.Content)
		name := strings.ToLower(doc.Name)
		score := 0.0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
			if term == name || term == strings.TrimSuffix(name, "s") || strings.TrimSuffix(term, "s") == name {
				score += 2
			}
		}
		if score > 0 {
			doc.Score = score
			ranked = append(ranked, doc)
		}
	}

	sortByScore(ranked)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

func sortByScore(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].Name < docs[j].Name
	})
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "who": true,
	"what": true, "which": true, "how": true, "many": true, "much": true, "with": true,
	"from": true, "that": true, "this": true, "have": true, "has": true, "did": true,
	"does": true, "all": true, "each": true, "per": true, "our": true, "show": true,
	"list": true, "give": true, "find": true, "top": true, "most": true,
}

func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
