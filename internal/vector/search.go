// Package vector implements the nearest-neighbor context service. Snippets
// are embedded on write; Search returns the top-K semantically similar
// snippets with relevance scores. When the sqlite-vec extension is compiled
// in (build tag sqlite_vec), ANN queries run through a vec0 virtual table;
// otherwise similarity is computed Go-side over the stored embeddings.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"loom/internal/embedding"
	"loom/internal/logging"
)

// Snippet is one similarity search hit.
type Snippet struct {
	ID        int64                  `json:"id"`
	Content   string                 `json:"content"`
	Score     float64                `json:"score"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Search wraps the vectors table with an embedding engine.
type Search struct {
	db        *sql.DB
	engine    embedding.Engine
	vectorExt bool // sqlite-vec vec0 virtual table available
}

// New creates a vector search service over the shared store database.
func New(db *sql.DB, engine embedding.Engine) (*Search, error) {
	if engine == nil {
		return nil, fmt.Errorf("embedding engine required")
	}

	s := &Search{db: db, engine: engine}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Vector("sqlite-vec extension detected and enabled")
		if err := s.initVecTable(); err != nil {
			return nil, err
		}
	} else {
		logging.Get(logging.CategoryVector).Warn("sqlite-vec extension not available; using Go-side cosine search")
	}
	return s, nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Search) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

func (s *Search) initVecTable() error {
	query := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_snippets USING vec0(embedding float[%d])",
		s.engine.Dimensions())
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	return nil
}

// Index embeds and stores a snippet.
func (s *Search) Index(ctx context.Context, content string, metadata map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryVector, "vector.Index")
	defer timer.Stop()

	vec, err := s.engine.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}

	embeddingJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	metaJSON, _ := json.Marshal(metadata)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors (content, embedding, metadata) VALUES (?, ?, ?)`,
		content, string(embeddingJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to store snippet: %w", err)
	}

	if s.vectorExt {
		rowid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO vec_snippets (rowid, embedding) VALUES (?, ?)`,
			rowid, string(embeddingJSON)); err != nil {
			return fmt.Errorf("failed to index snippet in vec0: %w", err)
		}
	}

	return nil
}

// TopK returns the k most similar snippets to the query text.
func (s *Search) TopK(ctx context.Context, query string, k int) ([]Snippet, error) {
	timer := logging.StartTimer(logging.CategoryVector, "vector.TopK")
	defer timer.Stop()

	if k <= 0 {
		k = 5
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	if s.vectorExt {
		return s.topKANN(ctx, queryVec, k)
	}
	return s.topKCosine(ctx, queryVec, k)
}

// topKANN queries the vec0 virtual table.
func (s *Search) topKANN(ctx context.Context, queryVec []float32, k int) ([]Snippet, error) {
	queryJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.content, COALESCE(v.metadata, ''), v.created_at, vs.distance
		FROM vec_snippets vs
		JOIN vectors v ON v.id = vs.rowid
		WHERE vs.embedding MATCH ? AND vs.k = ?
		ORDER BY vs.distance`,
		string(queryJSON), k)
	if err != nil {
		return nil, fmt.Errorf("ANN query failed: %w", err)
	}
	defer rows.Close()

	var out []Snippet
	for rows.Next() {
		var sn Snippet
		var metaJSON string
		var distance float64
		if err := rows.Scan(&sn.ID, &sn.Content, &metaJSON, &sn.CreatedAt, &distance); err != nil {
			return nil, err
		}
		// vec0 reports cosine distance; score is similarity.
		sn.Score = 1 - distance
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &sn.Metadata)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// topKCosine scans all stored embeddings and ranks them Go-side.
func (s *Search) topKCosine(ctx context.Context, queryVec []float32, k int) ([]Snippet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, COALESCE(metadata, ''), created_at
		 FROM vectors WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Snippet
	for rows.Next() {
		var sn Snippet
		var embeddingJSON, metaJSON string
		if err := rows.Scan(&sn.ID, &sn.Content, &embeddingJSON, &metaJSON, &sn.CreatedAt); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue
		}
		score, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		sn.Score = score
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &sn.Metadata)
		}
		candidates = append(candidates, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Stats returns snippet counts for the stats surface.
func (s *Search) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&total); err != nil {
		return nil, err
	}
	stats["total_snippets"] = total
	stats["engine"] = s.engine.Name()
	stats["dimensions"] = s.engine.Dimensions()
	stats["ann"] = s.vectorExt
	return stats, nil
}
