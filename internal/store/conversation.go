package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/protocol"
)

const selectConversationSQL = `
	SELECT c.id, c.participant_a, c.participant_b, c.other_participant_id,
		COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''),
		c.last_message_at, c.unread_count
	FROM conversations c
	LEFT JOIN participants p ON p.id = c.other_participant_id`

// UpsertConversation inserts or updates a conversation and its other
// participant. Last activity never moves backwards.
func (db *DB) UpsertConversation(c *protocol.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertConversation(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertConversations writes a batch in a single transaction.
func (db *DB) UpsertConversations(convs []protocol.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range convs {
		if err := upsertConversation(tx, &convs[i]); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", convs[i].ID, err)
		}
	}
	return tx.Commit()
}

func upsertConversation(ex execer, c *protocol.Conversation) error {
	if err := upsertParticipant(ex, c.OtherParticipant); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	_, err := ex.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, other_participant_id, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_a = excluded.participant_a,
			participant_b = excluded.participant_b,
			other_participant_id = excluded.other_participant_id,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.ParticipantIDs[0], c.ParticipantIDs[1], c.OtherParticipant.ID,
		unixMilli(c.LastMessageAt), c.UnreadCount, time.Now().UnixMilli())
	return err
}

// TouchConversation bumps last activity of a known conversation.
func (db *DB) TouchConversation(id int64, at time.Time) error {
	_, err := db.Exec(`
		UPDATE conversations SET last_message_at = MAX(last_message_at, ?), updated_at = ?
		WHERE id = ?`, unixMilli(at), time.Now().UnixMilli(), id)
	return err
}

// SetUnread overwrites the unread counter of a conversation.
func (db *DB) SetUnread(id int64, count int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UnixMilli(), id)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]protocol.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(selectConversationSQL+`
		ORDER BY c.last_message_at DESC, c.id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []protocol.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(id int64) (*protocol.Conversation, error) {
	c, err := scanConversation(db.QueryRow(selectConversationSQL+` WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (protocol.Conversation, error) {
	var c protocol.Conversation
	var last int64
	err := s.Scan(&c.ID, &c.ParticipantIDs[0], &c.ParticipantIDs[1], &c.OtherParticipant.ID,
		&c.OtherParticipant.DisplayName, &c.OtherParticipant.AvatarURL, &last, &c.UnreadCount)
	if err != nil {
		return c, err
	}
	c.LastMessageAt = fromMilli(last)
	return c, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
