package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// AppendMessage stores m. A repeated non-empty client id within the same job
// returns the message stored the first time instead of a duplicate.
func (db *DB) AppendMessage(m Message) (Message, error) {
	if m.ClientID != "" {
		existing, err := db.messageByClientID(m.JobID, m.ClientID)
		if err == nil {
			return *existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, err
		}
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, job_id, client_id, sender_id, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.JobID, m.ClientID, m.SenderID, m.Body, m.SentAt)
	if err != nil {
		return Message{}, fmt.Errorf("append message to %s: %w", m.JobID, err)
	}
	return m, nil
}

func (db *DB) messageByClientID(jobID, clientID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, job_id, client_id, sender_id, body, sent_at FROM messages
		WHERE job_id = ? AND client_id = ?`, jobID, clientID).
		Scan(&m.ID, &m.JobID, &m.ClientID, &m.SenderID, &m.Body, &m.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns jobID's chat history ordered by send time, then id.
func (db *DB) ListMessages(jobID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, job_id, client_id, sender_id, body, sent_at FROM (
			SELECT * FROM messages WHERE job_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		) ORDER BY sent_at, id`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.JobID, &m.ClientID, &m.SenderID, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
