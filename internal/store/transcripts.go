package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sender values for transcript records
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// TranscriptRecord is one durable message in a user's transcript
type TranscriptRecord struct {
	ID        string
	UserID    string
	Sender    string
	Content   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// AppendTranscript appends one message to the user's transcript. Records for
// a user are ordered by insertion; callers relying on ordering must append
// sequentially.
func (s *Store) AppendTranscript(userID, sender, content string, metadata map[string]interface{}) (*TranscriptRecord, error) {
	record := &TranscriptRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Sender:    sender,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	var metadataJSON sql.NullString
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO transcripts (id, user_id, sender, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Sender, record.Content, metadataJSON, record.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append transcript record: %w", err)
	}

	return record, nil
}

// ListTranscript returns up to limit records for userID in insertion order.
// limit <= 0 returns all records.
func (s *Store) ListTranscript(userID string, limit int) ([]*TranscriptRecord, error) {
	query := `SELECT id, user_id, sender, content, metadata, created_at
	          FROM transcripts WHERE user_id = ? ORDER BY rowid`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var records []*TranscriptRecord
	for rows.Next() {
		var record TranscriptRecord
		var metadataJSON sql.NullString
		if err := rows.Scan(&record.ID, &record.UserID, &record.Sender, &record.Content, &metadataJSON, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript record: %w", err)
		}
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &record.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transcript metadata: %w", err)
			}
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}
