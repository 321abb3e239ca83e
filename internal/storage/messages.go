package storage

import (
	"context"
	"database/sql"
)

// SingleMessage is a row of the im_single_message table. Body is the
// ciphertext-opaque payload; the server never inspects it beyond the
// content type.
type SingleMessage struct {
	MessageID     string         `db:"message_id"`
	FromID        string         `db:"from_id"`
	ToID          string         `db:"to_id"`
	MessageBody   string         `db:"message_body"`
	MessageTime   int64          `db:"message_time"`
	ContentType   int32          `db:"message_content_type"`
	ReadStatus    int16          `db:"read_status"`
	Extra         sql.NullString `db:"extra"`
	DelFlag       int16          `db:"del_flag"`
	Sequence      int64          `db:"sequence"`
	MessageRandom sql.NullString `db:"message_random"`
	CreateTime    int64          `db:"create_time"`
	UpdateTime    int64          `db:"update_time"`
	Version       int32          `db:"version"`
	ReplyTo       sql.NullString `db:"reply_to"`
	ToType        sql.NullInt32  `db:"to_type"`
	FileURL       sql.NullString `db:"file_url"`
	FileName      sql.NullString `db:"file_name"`
	FileType      sql.NullString `db:"file_type"`
}

// GroupMessage is a row of the im_group_message table.
type GroupMessage struct {
	MessageID     string         `db:"message_id"`
	GroupID       string         `db:"group_id"`
	FromID        string         `db:"from_id"`
	MessageBody   string         `db:"message_body"`
	MessageTime   int64          `db:"message_time"`
	ContentType   int32          `db:"message_content_type"`
	Extra         sql.NullString `db:"extra"`
	DelFlag       int16          `db:"del_flag"`
	Sequence      int64          `db:"sequence"`
	MessageRandom sql.NullString `db:"message_random"`
	CreateTime    int64          `db:"create_time"`
	UpdateTime    int64          `db:"update_time"`
	Version       int32          `db:"version"`
	ReplyTo       sql.NullString `db:"reply_to"`
}

const singleMessageColumns = `message_id, from_id, to_id, message_body, message_time, message_content_type,
       read_status, extra, del_flag, sequence, message_random, create_time, update_time, version, reply_to,
       to_type, file_url, file_name, file_type`

const groupMessageColumns = `message_id, group_id, from_id, message_body, message_time, message_content_type,
       extra, del_flag, sequence, message_random, create_time, update_time, version, reply_to`

// InsertSingleMessage persists a direct message. Idempotent under client
// retries: a duplicate message_id leaves the stored row untouched.
func (s *Store) InsertSingleMessage(ctx context.Context, m *SingleMessage) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO im_single_message
		 (`+singleMessageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, 1, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE message_id = message_id`,
		m.MessageID, m.FromID, m.ToID, m.MessageBody, m.MessageTime, m.ContentType,
		m.Extra, m.Sequence, m.MessageRandom, now, now, m.ReplyTo,
		m.ToType, m.FileURL, m.FileName, m.FileType,
	)
	if err != nil {
		return dbErr("insert single message", err)
	}
	return nil
}

// InsertGroupMessage persists a group message, idempotent by message_id.
func (s *Store) InsertGroupMessage(ctx context.Context, m *GroupMessage) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO im_group_message
		 (`+groupMessageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, 1, ?)
		 ON DUPLICATE KEY UPDATE message_id = message_id`,
		m.MessageID, m.GroupID, m.FromID, m.MessageBody, m.MessageTime, m.ContentType,
		m.Extra, m.Sequence, m.MessageRandom, now, now, m.ReplyTo,
	)
	if err != nil {
		return dbErr("insert group message", err)
	}
	return nil
}

// SingleHistory returns the direct-message history between two users in
// sequence order. Call invites (content type 4) are real-time only and
// excluded; so are soft-deleted rows. sinceSequence, when non-nil, skips
// messages the client already holds.
func (s *Store) SingleHistory(ctx context.Context, fromID, toID string, sinceSequence *int64, limit int32) ([]SingleMessage, error) {
	query := `SELECT ` + singleMessageColumns + `
	          FROM im_single_message
	          WHERE ((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))
	          AND del_flag = 1 AND message_content_type != 4`
	args := []any{fromID, toID, toID, fromID}
	if sinceSequence != nil {
		query += " AND sequence > ?"
		args = append(args, *sinceSequence)
	}
	query += " ORDER BY sequence ASC LIMIT ?"
	args = append(args, limit)

	var messages []SingleMessage
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, dbErr("query single history", err)
	}
	return messages, nil
}

// GroupHistory returns a group's message history in sequence order, with
// the same call-invite and soft-delete exclusions as SingleHistory.
func (s *Store) GroupHistory(ctx context.Context, groupID string, sinceSequence *int64, limit int32) ([]GroupMessage, error) {
	query := `SELECT ` + groupMessageColumns + `
	          FROM im_group_message
	          WHERE group_id = ? AND del_flag = 1 AND message_content_type != 4`
	args := []any{groupID}
	if sinceSequence != nil {
		query += " AND sequence > ?"
		args = append(args, *sinceSequence)
	}
	query += " ORDER BY sequence ASC LIMIT ?"
	args = append(args, limit)

	var messages []GroupMessage
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, dbErr("query group history", err)
	}
	return messages, nil
}

// MarkSingleRead flags a direct message as read by its recipient. The
// to_id guard keeps a sender from marking their own message.
func (s *Store) MarkSingleRead(ctx context.Context, messageID, toID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_single_message
		 SET read_status = 1, update_time = ?, version = version + 1
		 WHERE message_id = ? AND to_id = ?`,
		nowMillis(), messageID, toID,
	)
	if err != nil {
		return dbErr("mark message read", err)
	}
	return nil
}
