package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/msgsync/internal/protocol"
)

const upsertParticipantSQL = `
	INSERT INTO participants (id, display_name, avatar_url, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE participants.display_name END,
		avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE participants.avatar_url END,
		updated_at = excluded.updated_at`

// seedParticipantSQL records a sender snippet carried by a message. Known
// names and avatars are kept: the conversation list is authoritative for them.
const seedParticipantSQL = `
	INSERT INTO participants (id, display_name, avatar_url, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = CASE WHEN participants.display_name = '' THEN excluded.display_name ELSE participants.display_name END,
		avatar_url = CASE WHEN participants.avatar_url = '' THEN excluded.avatar_url ELSE participants.avatar_url END`

// UpsertParticipant inserts or updates a user snippet. Empty fields never
// overwrite known values.
func (db *DB) UpsertParticipant(p protocol.Participant) error {
	return upsertParticipant(db, p)
}

func upsertParticipant(ex execer, p protocol.Participant) error {
	if p.ID == 0 {
		return nil
	}
	_, err := ex.Exec(upsertParticipantSQL, p.ID, p.DisplayName, p.AvatarURL, time.Now().UnixMilli())
	return err
}

func seedParticipant(ex execer, p protocol.Participant) error {
	if p.ID == 0 {
		return nil
	}
	_, err := ex.Exec(seedParticipantSQL, p.ID, p.DisplayName, p.AvatarURL, time.Now().UnixMilli())
	return err
}

// GetParticipant returns a participant by id, or nil if unknown.
func (db *DB) GetParticipant(id int64) (*protocol.Participant, error) {
	var p protocol.Participant
	err := db.QueryRow(`SELECT id, display_name, avatar_url FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
