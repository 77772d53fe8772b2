package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chapterforge/internal/chapter"
	"chapterforge/internal/llmerr"
)

// chapterStatus derives the persisted status column from chapter state.
func chapterStatus(c *chapter.Chapter) string {
	if c.Terminal != "" {
		return c.Terminal
	}
	return "in_progress"
}

// CreateChapter inserts a new chapter record.
func (s *Store) CreateChapter(ctx context.Context, c *chapter.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to marshal chapter %s", c.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, owner, topic, stage, status, chapter_json, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Topic, string(c.CurrentStage), chapterStatus(c),
		string(data), c.TotalCostUSD, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to insert chapter %s", c.ID)
	}
	return nil
}

// SaveChapter persists the chapter's current state and, in the same
// transaction, appends an immutable version snapshot. A stage result is
// therefore never visible without its snapshot.
func (s *Store) SaveChapter(ctx context.Context, c *chapter.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Version++
	c.UpdatedAt = time.Now().UTC()
	snap := c.Snapshot()

	data, err := json.Marshal(c)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to marshal chapter %s", c.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chapters
		SET stage = ?, status = ?, chapter_json = ?, cost_usd = ?, updated_at = ?
		WHERE id = ?`,
		string(c.CurrentStage), chapterStatus(c), string(data),
		c.TotalCostUSD, c.UpdatedAt, c.ID)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to update chapter %s", c.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llmerr.New(llmerr.KindStore, "chapter %s not found", c.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chapter_versions (chapter_id, stage, snapshot_json, created_at)
		VALUES (?, ?, ?, ?)`,
		c.ID, string(c.CurrentStage), string(snap.Content), snap.CreatedAt)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to insert version for chapter %s", c.ID)
	}

	if err := tx.Commit(); err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to commit chapter %s", c.ID)
	}
	return nil
}

// MarkFailed records a terminal failure with its classified error.
func (s *Store) MarkFailed(ctx context.Context, c *chapter.Chapter, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, _ := llmerr.KindOf(cause)
	c.Terminal = chapter.StatusFailed
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to marshal chapter %s", c.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE chapters
		SET status = ?, chapter_json = ?, error_kind = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		chapter.StatusFailed, string(data), string(kind), cause.Error(), c.UpdatedAt, c.ID)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to mark chapter %s failed", c.ID)
	}
	return nil
}

// GetChapter loads one chapter by id. Returns nil when absent.
func (s *Store) GetChapter(ctx context.Context, id string) (*chapter.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT chapter_json FROM chapters WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to load chapter %s", id)
	}
	var c chapter.Chapter
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to decode chapter %s", id)
	}
	return &c, nil
}

// ChapterSummary is one row of a chapter listing.
type ChapterSummary struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Topic     string    `json:"topic"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	CostUSD   float64   `json:"cost_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListChapters returns summaries for an owner, newest first. Empty owner
// lists everything.
func (s *Store) ListChapters(ctx context.Context, owner string) ([]ChapterSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, owner, topic, stage, status, cost_usd, updated_at FROM chapters`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to list chapters")
	}
	defer rows.Close()

	var out []ChapterSummary
	for rows.Next() {
		var cs ChapterSummary
		if err := rows.Scan(&cs.ID, &cs.Owner, &cs.Topic, &cs.Stage, &cs.Status, &cs.CostUSD, &cs.UpdatedAt); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan chapter row")
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ListVersions returns a chapter's snapshots, oldest first.
func (s *Store) ListVersions(ctx context.Context, chapterID string) ([]chapter.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_json, created_at FROM chapter_versions
		WHERE chapter_id = ? ORDER BY id ASC`, chapterID)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to list versions for %s", chapterID)
	}
	defer rows.Close()

	var out []chapter.Version
	for rows.Next() {
		var raw string
		var created time.Time
		if err := rows.Scan(&raw, &created); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan version row")
		}
		var snap struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to decode version snapshot")
		}
		out = append(out, chapter.Version{
			ChapterID: chapterID,
			Version:   snap.Version,
			Content:   json.RawMessage(raw),
			CreatedAt: created,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].IsCurrent = i == len(out)-1
	}
	return out, nil
}

// SaveGapAnalysis stores a gap report alongside its headline score.
func (s *Store) SaveGapAnalysis(ctx context.Context, id, chapterID string, report any, completeness float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(report)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to marshal gap report")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gap_analyses (id, chapter_id, report_json, completeness, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, chapterID, string(data), completeness, time.Now().UTC())
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to insert gap analysis for %s", chapterID)
	}
	return nil
}
