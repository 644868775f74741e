package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/protocol"
)

const selectMessageSQL = `
	SELECT m.id, m.conversation_id, m.sender_id,
		COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''),
		m.content, m.message_type, m.status, m.reply_to_id, m.created_at
	FROM messages m
	LEFT JOIN participants p ON p.id = m.sender_id`

// statusRankSQL mirrors protocol.DeliveryStatus.Rank for the stored status.
const statusRankSQL = `CASE messages.status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

// UpsertMessage inserts or updates a confirmed message (idempotent on id).
// The stored status only moves forward.
func (db *DB) UpsertMessage(m *protocol.Message) error {
	return upsertMessage(db, m)
}

// UpsertMessages writes a batch of confirmed messages in one transaction.
func (db *DB) UpsertMessages(msgs []protocol.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i]); err != nil {
			return fmt.Errorf("upsert message %s: %w", msgs[i].ID, err)
		}
	}
	return tx.Commit()
}

func upsertMessage(ex execer, m *protocol.Message) error {
	id, ok := m.ID.ServerID()
	if !ok {
		return ErrNotConfirmed
	}
	if err := seedParticipant(ex, m.Sender); err != nil {
		return fmt.Errorf("upsert sender: %w", err)
	}
	msgType := m.Type
	if msgType == "" {
		msgType = protocol.TypeText
	}
	st := m.Status
	if st == "" || st == protocol.StatusFailed {
		st = protocol.StatusSent
	}
	_, err := ex.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type, status, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			message_type = excluded.message_type,
			status = CASE WHEN ? > `+statusRankSQL+` THEN excluded.status ELSE messages.status END`,
		id, m.ConversationID, m.Sender.ID, m.Content, string(msgType), string(st), m.ReplyToID,
		unixMilli(m.CreatedAt), st.Rank())
	return err
}

// AdvanceStatus moves a stored message's status forward. It reports whether
// the row changed.
func (db *DB) AdvanceStatus(id int64, st protocol.DeliveryStatus) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND ? > `+statusRankSQL,
		string(st), id, st.Rank())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a confirmed message by id, or nil if unknown.
func (db *DB) GetMessage(id int64) (*protocol.Message, error) {
	rows, err := db.Query(selectMessageSQL+` WHERE m.id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by
// creation time, newest first. beforeMs <= 0 starts from the latest message.
func (db *DB) ListMessages(conversationID int64, beforeMs int64, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(selectMessageSQL+`
		WHERE m.conversation_id = ? AND m.created_at < ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanMessage(s scanner) (protocol.Message, error) {
	var (
		m                 protocol.Message
		id, created       int64
		msgType, msgState string
	)
	err := s.Scan(&id, &m.ConversationID, &m.Sender.ID, &m.Sender.DisplayName, &m.Sender.AvatarURL,
		&m.Content, &msgType, &msgState, &m.ReplyToID, &created)
	if err != nil {
		return m, err
	}
	m.ID = protocol.Confirmed(id)
	m.Type = protocol.MessageType(msgType)
	m.Status = protocol.DeliveryStatus(msgState)
	m.CreatedAt = fromMilli(created)
	return m, nil
}
