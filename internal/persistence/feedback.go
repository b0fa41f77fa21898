package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFeedbackTTL is how long a feedback row lives after it was last seen.
const DefaultFeedbackTTL = 300 * time.Second

type Strategy string

const (
	StrategyAlways            Strategy = "always"
	StrategyShowOnce          Strategy = "show_once"
	StrategySummaryAfterFirst Strategy = "summary_after_first"
	StrategyDefer             Strategy = "defer"
)

// EmptyIssueID marks items built from blank content; they are never stored.
const EmptyIssueID = "empty"

// FeedbackItem is one deduplicated advisory message.
type FeedbackItem struct {
	InstanceID      string   `json:"instance_id"`
	IssueID         string   `json:"issue_id"`
	SessionID       string   `json:"session_id"`
	Content         string   `json:"content"`
	TaskID          string   `json:"task_id"`
	Severity        string   `json:"severity,omitempty"`
	Category        string   `json:"category,omitempty"`
	FilePath        string   `json:"file_path,omitempty"`
	Strategy        Strategy `json:"strategy"`
	FirstSeen       float64  `json:"first_seen"`
	LastSeen        float64  `json:"last_seen"`
	OccurrenceCount int      `json:"occurrence_count"`
	TimesShown      int      `json:"times_shown"`
}

// FeedbackInput is what a caller records.
type FeedbackInput struct {
	Content   string
	TaskID    string
	SessionID string
	FilePath  string
	Severity  string
	Category  string
	Strategy  Strategy
}

// InstanceID is the exact-content hash of trimmed content.
func InstanceID(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])[:16]
}

// IssueID is stable across small edits: task, file basename and a hash of
// the first 100 characters.
func IssueID(taskID, filePath, content string) string {
	filePart := "global"
	if filePath != "" {
		filePart = filepath.Base(filePath)
	}
	prefix := strings.TrimSpace(content)
	if r := []rune(prefix); len(r) > 100 {
		prefix = string(r[:100])
	}
	sum := sha256.Sum256([]byte(prefix))
	return fmt.Sprintf("%s:%s:%s", taskID, filePart, hex.EncodeToString(sum[:])[:8])
}

const feedbackColumns = `issue_id, instance_id, session_id, content, task_id, severity, category,
	file_path, strategy, first_seen, last_seen, occurrence_count, times_shown`

func scanFeedback(scanFn func(dest ...any) error, it *FeedbackItem) error {
	var strategy string
	if err := scanFn(&it.IssueID, &it.InstanceID, &it.SessionID, &it.Content, &it.TaskID,
		&it.Severity, &it.Category, &it.FilePath, &strategy, &it.FirstSeen, &it.LastSeen,
		&it.OccurrenceCount, &it.TimesShown); err != nil {
		return err
	}
	it.Strategy = Strategy(strategy)
	return nil
}

func (s *Store) purgeExpired(ctx context.Context) error {
	cutoff := s.nowSeconds() - s.ttl.Seconds()
	if _, err := s.exec(ctx, `DELETE FROM feedback_items WHERE last_seen < ?;`, cutoff); err != nil {
		return fmt.Errorf("purge expired feedback: %w", err)
	}
	return nil
}

// RecordFeedback upserts an item by issue id. Blank content is returned
// with strategy always and is not stored.
func (s *Store) RecordFeedback(ctx context.Context, in FeedbackInput) (FeedbackItem, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return FeedbackItem{
			InstanceID: EmptyIssueID,
			IssueID:    EmptyIssueID,
			SessionID:  in.SessionID,
			TaskID:     in.TaskID,
			Strategy:   StrategyAlways,
		}, nil
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = StrategyShowOnce
	}
	if err := s.purgeExpired(ctx); err != nil {
		return FeedbackItem{}, err
	}

	now := s.nowSeconds()
	issueID := IssueID(in.TaskID, in.FilePath, content)
	if _, err := s.exec(ctx, `
		INSERT INTO feedback_items (`+feedbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)
		ON CONFLICT(issue_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			content = excluded.content,
			last_seen = excluded.last_seen,
			occurrence_count = feedback_items.occurrence_count + 1;
	`, issueID, InstanceID(content), in.SessionID, content, in.TaskID, in.Severity, in.Category,
		in.FilePath, string(strategy), now, now); err != nil {
		return FeedbackItem{}, fmt.Errorf("record feedback: %w", err)
	}

	var it FeedbackItem
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_items WHERE issue_id = ?;`, issueID)
	if err := scanFeedback(row.Scan, &it); err != nil {
		return FeedbackItem{}, fmt.Errorf("read feedback %s: %w", issueID, err)
	}
	return it, nil
}

// ShouldShow applies the item's presentation strategy. Unknown strategies
// show.
func ShouldShow(it FeedbackItem) bool {
	switch it.Strategy {
	case StrategyAlways:
		return true
	case StrategyShowOnce, StrategySummaryAfterFirst:
		return it.TimesShown == 0
	case StrategyDefer:
		return false
	default:
		return true
	}
}

// MarkShown increments times_shown for issueID. Missing rows are ignored.
func (s *Store) MarkShown(ctx context.Context, issueID string) error {
	if issueID == "" || issueID == EmptyIssueID {
		return nil
	}
	if _, err := s.exec(ctx, `UPDATE feedback_items SET times_shown = times_shown + 1 WHERE issue_id = ?;`, issueID); err != nil {
		return fmt.Errorf("mark feedback shown: %w", err)
	}
	return nil
}

// FeedbackSummary lists items seen at least minOccurrences times, most
// recent first.
func (s *Store) FeedbackSummary(ctx context.Context, sessionID string, minOccurrences int) ([]FeedbackItem, error) {
	if minOccurrences <= 0 {
		minOccurrences = 2
	}
	return s.queryFeedback(ctx, `WHERE session_id = ? AND occurrence_count >= ? ORDER BY last_seen DESC`, sessionID, minOccurrences)
}

// DeferredFeedback lists items recorded with the defer strategy, oldest
// first.
func (s *Store) DeferredFeedback(ctx context.Context, sessionID string) ([]FeedbackItem, error) {
	return s.queryFeedback(ctx, `WHERE session_id = ? AND strategy = ? ORDER BY first_seen ASC`, sessionID, string(StrategyDefer))
}

func (s *Store) queryFeedback(ctx context.Context, where string, args ...any) ([]FeedbackItem, error) {
	if err := s.purgeExpired(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_items `+where+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()
	var out []FeedbackItem
	for rows.Next() {
		var it FeedbackItem
		if err := scanFeedback(rows.Scan, &it); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetFeedback returns one item by issue id.
func (s *Store) GetFeedback(ctx context.Context, issueID string) (*FeedbackItem, error) {
	var it FeedbackItem
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_items WHERE issue_id = ?;`, issueID)
	if err := scanFeedback(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return &it, nil
}

// CleanupFeedback deletes every feedback row for the session.
func (s *Store) CleanupFeedback(ctx context.Context, sessionID string) error {
	if _, err := s.exec(ctx, `DELETE FROM feedback_items WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("cleanup feedback: %w", err)
	}
	return nil
}
