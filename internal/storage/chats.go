package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
)

// Chat is a row of the im_chat table: one participant's view of a
// conversation. Both sides of a direct chat own separate rows keyed
// (chat_id, owner_id).
type Chat struct {
	ChatID       string         `db:"chat_id"`
	ChatType     int32          `db:"chat_type"`
	OwnerID      sql.NullString `db:"owner_id"`
	ToID         string         `db:"to_id"`
	IsMute       int16          `db:"is_mute"`
	IsTop        int16          `db:"is_top"`
	Sequence     sql.NullInt64  `db:"sequence"`
	ReadSequence sql.NullInt64  `db:"read_sequence"`
	Remark       sql.NullString `db:"remark"`
	CreateTime   sql.NullInt64  `db:"create_time"`
	UpdateTime   sql.NullInt64  `db:"update_time"`
	DelFlag      sql.NullInt16  `db:"del_flag"`
	Version      sql.NullInt32  `db:"version"`
}

const chatColumns = `chat_id, chat_type, owner_id, to_id, is_mute, is_top, sequence,
       read_sequence, remark, create_time, update_time, del_flag, version`

// live rows: a NULL del_flag predates soft deletion and counts as live.
const chatLive = "(del_flag IS NULL OR del_flag = 1)"

func (s *Store) chatByKey(ctx context.Context, chatID, ownerID string, chatType int32) (*Chat, error) {
	var c Chat
	err := s.db.GetContext(ctx, &c,
		`SELECT `+chatColumns+`
		 FROM im_chat
		 WHERE chat_id = ? AND owner_id = ? AND chat_type = ? AND `+chatLive,
		chatID, ownerID, chatType,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("query chat", err)
	}
	return &c, nil
}

// GetChat returns the owner's chat record regardless of chat_type, or
// nil when none exists. Group sends read the stored type through this
// before deciding which table a message belongs in; the repair logic in
// GetOrCreateChat must not run there, it would overwrite the very field
// being consulted.
func (s *Store) GetChat(ctx context.Context, chatID, ownerID string) (*Chat, error) {
	var c Chat
	err := s.db.GetContext(ctx, &c,
		`SELECT `+chatColumns+`
		 FROM im_chat
		 WHERE chat_id = ? AND owner_id = ? AND `+chatLive+`
		 LIMIT 1`,
		chatID, ownerID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("query chat", err)
	}
	return &c, nil
}

// GetOrCreateChat returns the owner's chat record for a conversation,
// creating it on first contact.
//
// The lookup is keyed (chat_id, owner_id, chat_type): a direct chat and a
// group chat must never share a record even if their ids collide. When a
// row exists under the same key but the other chat_type, the row is
// repaired in place rather than rejected, so a send never fails over a
// historical misclassification. If the repair cannot be persisted the
// expected record is still returned in memory and the send proceeds; the
// database keeps the stale type until the next attempt.
func (s *Store) GetOrCreateChat(ctx context.Context, chatID string, chatType int32, ownerID, toID string) (*Chat, error) {
	now := nowMillis()

	chat, err := s.chatByKey(ctx, chatID, ownerID, chatType)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		if chat.ToID != toID {
			s.log.Warn(ctx, "chat to_id mismatch, returning existing record",
				"chat_id", chatID, "owner_id", ownerID,
				"existing_to_id", chat.ToID, "new_to_id", toID)
		}
		return chat, nil
	}

	var conflicting Chat
	err = s.db.GetContext(ctx, &conflicting,
		`SELECT `+chatColumns+`
		 FROM im_chat
		 WHERE chat_id = ? AND owner_id = ? AND chat_type != ? AND `+chatLive,
		chatID, ownerID, chatType,
	)
	switch {
	case err == nil:
		return s.repairChatType(ctx, &conflicting, chatID, chatType, ownerID, toID, now)
	case errors.Is(err, sql.ErrNoRows):
		// no conflict, fall through to insert
	default:
		return nil, dbErr("query conflicting chat", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO im_chat
		 (`+chatColumns+`)
		 VALUES (?, ?, ?, ?, 0, 0, 0, 0, NULL, ?, ?, 1, 1)`,
		chatID, chatType, ownerID, toID, now, now,
	)
	if err == nil {
		return &Chat{
			ChatID:       chatID,
			ChatType:     chatType,
			OwnerID:      sql.NullString{String: ownerID, Valid: true},
			ToID:         toID,
			Sequence:     sql.NullInt64{Int64: 0, Valid: true},
			ReadSequence: sql.NullInt64{Int64: 0, Valid: true},
			CreateTime:   sql.NullInt64{Int64: now, Valid: true},
			UpdateTime:   sql.NullInt64{Int64: now, Valid: true},
			DelFlag:      sql.NullInt16{Int16: 1, Valid: true},
			Version:      sql.NullInt32{Int32: 1, Valid: true},
		}, nil
	}

	if isDuplicateKey(err) {
		return s.chatAfterDuplicate(ctx, chatID, chatType, ownerID, err)
	}
	return nil, dbErr("insert chat", err)
}

// repairChatType rewrites a chat row stored under the wrong chat_type.
// Failures are tolerated: an in-memory record with the expected type is
// returned so delivery continues, and a warning marks the stale row.
func (s *Store) repairChatType(ctx context.Context, conflicting *Chat, chatID string, chatType int32, ownerID, toID string, now int64) (*Chat, error) {
	s.log.Warn(ctx, "chat_type conflict, repairing record",
		"chat_id", chatID, "owner_id", ownerID,
		"expected_chat_type", chatType, "existing_chat_type", conflicting.ChatType)

	expected := func() *Chat {
		repaired := *conflicting
		repaired.ChatType = chatType
		repaired.ToID = toID
		repaired.UpdateTime = sql.NullInt64{Int64: now, Valid: true}
		if repaired.Version.Valid {
			repaired.Version.Int32++
		}
		return &repaired
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET chat_type = ?, to_id = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ? AND owner_id = ?`,
		chatType, toID, now, chatID, ownerID,
	)
	if err != nil {
		s.log.Warn(ctx, "chat_type repair failed, returning expected record",
			"chat_id", chatID, "owner_id", ownerID, "error", err)
		return expected(), nil
	}

	repaired, err := s.chatByKey(ctx, chatID, ownerID, chatType)
	if err != nil || repaired == nil {
		s.log.Warn(ctx, "re-query after chat_type repair failed, returning expected record",
			"chat_id", chatID, "owner_id", ownerID, "error", err)
		return expected(), nil
	}
	return repaired, nil
}

// chatAfterDuplicate resolves a duplicate-key insert: either a concurrent
// create won the race, or the deployment still runs the legacy schema
// whose primary key is chat_id alone.
func (s *Store) chatAfterDuplicate(ctx context.Context, chatID string, chatType int32, ownerID string, cause error) (*Chat, error) {
	s.log.Warn(ctx, "chat insert hit duplicate key, re-querying",
		"chat_id", chatID, "owner_id", ownerID, "error", cause)

	chat, err := s.chatByKey(ctx, chatID, ownerID, chatType)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		return chat, nil
	}

	var existing Chat
	err = s.db.GetContext(ctx, &existing,
		`SELECT `+chatColumns+`
		 FROM im_chat
		 WHERE chat_id = ? AND `+chatLive+`
		 LIMIT 1`,
		chatID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dbErr("create chat", cause)
		}
		return nil, dbErr("query chat by id", err)
	}

	if !existing.OwnerID.Valid || existing.OwnerID.String != ownerID {
		// Legacy single-column primary key: a second owner cannot hold
		// a row for this chat_id until the schema is migrated.
		s.log.Error(ctx, "chat_id primary key collision across owners, schema migration required",
			"chat_id", chatID, "owner_id", ownerID, "existing_owner_id", existing.OwnerID.String)
		return nil, dbErr("create chat", cause)
	}
	return &existing, nil
}

// ChatSummary is a chat row joined with its display name: the group name
// for group chats, the peer's user name for direct chats. MemberCount is
// populated for group chats only.
type ChatSummary struct {
	ChatID       string         `db:"chat_id"`
	ChatType     int32          `db:"chat_type"`
	OwnerID      sql.NullString `db:"owner_id"`
	ToID         string         `db:"to_id"`
	IsMute       int16          `db:"is_mute"`
	IsTop        int16          `db:"is_top"`
	Sequence     sql.NullInt64  `db:"sequence"`
	ReadSequence sql.NullInt64  `db:"read_sequence"`
	Remark       sql.NullString `db:"remark"`
	CreateTime   sql.NullInt64  `db:"create_time"`
	UpdateTime   sql.NullInt64  `db:"update_time"`
	DelFlag      sql.NullInt16  `db:"del_flag"`
	Version      sql.NullInt32  `db:"version"`
	Name         sql.NullString `db:"name"`
	MemberCount  sql.NullInt64  `db:"member_count"`
}

// UserChats returns the owner's chat list, pinned chats first, most
// recently active next. Group memberships without a chat row yet get one
// created first so every group the user belongs to shows up; chats for
// dissolved groups are filtered out in the query.
func (s *Store) UserChats(ctx context.Context, ownerID string) ([]ChatSummary, error) {
	var groupIDs []string
	err := s.db.SelectContext(ctx, &groupIDs,
		`SELECT DISTINCT g.group_id
		 FROM im_group g
		 INNER JOIN im_group_member gm ON g.group_id = gm.group_id AND gm.del_flag = 1
		 WHERE gm.member_id = ? AND g.del_flag = 1`,
		ownerID,
	)
	if err != nil {
		return nil, dbErr("query member groups", err)
	}
	for _, groupID := range groupIDs {
		if _, err := s.GetOrCreateChat(ctx, "group_"+groupID, 2, ownerID, groupID); err != nil {
			s.log.Warn(ctx, "group chat backfill failed",
				"group_id", groupID, "owner_id", ownerID, "error", err)
		}
	}

	var chats []ChatSummary
	err = s.db.SelectContext(ctx, &chats,
		`SELECT c.chat_id, c.chat_type, c.owner_id, c.to_id, c.is_mute, c.is_top,
		        c.sequence, c.read_sequence, c.remark, c.create_time, c.update_time, c.del_flag, c.version,
		        CASE
		            WHEN c.chat_type = 2 AND g.group_name IS NOT NULL AND g.group_name != '' THEN g.group_name
		            WHEN c.chat_type = 1 AND u.name IS NOT NULL AND u.name != '' THEN u.name
		            ELSE NULL
		        END AS name,
		        CASE
		            WHEN c.chat_type = 2 THEN CAST((
		                SELECT COUNT(*) FROM im_group_member gm
		                WHERE gm.group_id = c.to_id AND gm.del_flag = 1
		            ) AS SIGNED)
		            ELSE NULL
		        END AS member_count
		 FROM im_chat c
		 LEFT JOIN im_group g ON c.chat_type = 2 AND c.to_id = g.group_id AND g.del_flag = 1
		 LEFT JOIN users u ON c.chat_type = 1 AND (c.to_id = u.open_id OR c.to_id = u.name) AND (u.status IS NULL OR u.status = 1)
		 WHERE c.owner_id = ?
		 AND (c.del_flag IS NULL OR c.del_flag = 1)
		 AND (c.chat_type != 2 OR g.group_id IS NOT NULL)
		 ORDER BY c.is_top DESC, c.update_time DESC`,
		ownerID,
	)
	if err != nil {
		return nil, dbErr("query user chats", err)
	}

	for i := range chats {
		chats[i].ChatType = s.repairListedChatType(ctx, &chats[i], ownerID)
	}
	return chats, nil
}

// repairListedChatType reconciles a row whose chat_type contradicts its
// chat_id prefix. The corrected type is returned even when the update
// fails, so the caller always sees a consistent record.
func (s *Store) repairListedChatType(ctx context.Context, c *ChatSummary, ownerID string) int32 {
	var want int32
	switch {
	case strings.HasPrefix(c.ChatID, "single_") && c.ChatType == 2:
		want = 1
	case strings.HasPrefix(c.ChatID, "group_") && c.ChatType == 1:
		want = 2
	default:
		return c.ChatType
	}

	s.log.Warn(ctx, "chat_type contradicts chat_id prefix, repairing",
		"chat_id", c.ChatID, "owner_id", ownerID,
		"stored_chat_type", c.ChatType, "repaired_chat_type", want)
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET chat_type = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ? AND owner_id = ? AND chat_type = ?`,
		want, nowMillis(), c.ChatID, ownerID, c.ChatType,
	)
	if err != nil {
		s.log.Warn(ctx, "chat_type repair failed, returning corrected type",
			"chat_id", c.ChatID, "owner_id", ownerID, "error", err)
	}
	return want
}

// UnreadChat is one conversation's unread tally. Name falls back to ToID
// when no display name resolves.
type UnreadChat struct {
	ChatType    int32
	ToID        string
	Name        string
	UnreadCount int64
}

type unreadKey struct {
	chatType int32
	toID     string
}

// UnreadChats tallies the owner's unread conversations from three
// sources and merges them, keeping the larger count per conversation:
// chat rows whose sequence passed the read high-water mark, unread
// direct messages that never got a chat row (offline senders), and
// messages in groups of three or more, whose read state lives in Redis
// rather than on the message rows. Sorted by unread count, largest
// first.
func (s *Store) UnreadChats(ctx context.Context, ownerID string) ([]UnreadChat, error) {
	var chatRows []struct {
		ChatType     int32          `db:"chat_type"`
		ToID         string         `db:"to_id"`
		Sequence     sql.NullInt64  `db:"sequence"`
		ReadSequence sql.NullInt64  `db:"read_sequence"`
		Name         sql.NullString `db:"name"`
	}
	err := s.db.SelectContext(ctx, &chatRows,
		`SELECT c.chat_type, c.to_id, c.sequence, c.read_sequence,
		        CASE
		            WHEN c.chat_type = 2 AND g.group_name IS NOT NULL AND g.group_name != '' THEN g.group_name
		            WHEN c.chat_type = 1 AND u.name IS NOT NULL AND u.name != '' THEN u.name
		            ELSE c.to_id
		        END AS name
		 FROM im_chat c
		 LEFT JOIN im_group g ON c.chat_type = 2 AND c.to_id = g.group_id AND g.del_flag = 1
		 LEFT JOIN users u ON c.chat_type = 1 AND (c.to_id = u.open_id OR c.to_id = u.name) AND (u.status IS NULL OR u.status = 1)
		 WHERE c.owner_id = ?
		 AND (c.del_flag IS NULL OR c.del_flag = 1)
		 AND (c.chat_type != 2 OR g.group_id IS NOT NULL)
		 AND c.sequence IS NOT NULL
		 AND c.read_sequence IS NOT NULL
		 AND c.sequence > c.read_sequence
		 ORDER BY c.sequence DESC`,
		ownerID,
	)
	if err != nil {
		return nil, dbErr("query unread chats", err)
	}

	merged := make(map[unreadKey]UnreadChat)
	for _, row := range chatRows {
		count := row.Sequence.Int64 - row.ReadSequence.Int64
		if count <= 0 {
			continue
		}
		name := row.ToID
		if row.Name.Valid && row.Name.String != "" {
			name = row.Name.String
		}
		merged[unreadKey{row.ChatType, row.ToID}] = UnreadChat{
			ChatType: row.ChatType, ToID: row.ToID, Name: name, UnreadCount: count,
		}
	}

	var directRows []struct {
		FromID      string         `db:"from_id"`
		UnreadCount int64          `db:"unread_count"`
		FromName    sql.NullString `db:"from_name"`
	}
	err = s.db.SelectContext(ctx, &directRows,
		`SELECT m.from_id, COUNT(*) AS unread_count, u.name AS from_name
		 FROM im_single_message m
		 LEFT JOIN users u ON m.from_id = u.open_id OR m.from_id = u.name
		 WHERE m.to_id = ? AND m.read_status = 0 AND m.del_flag = 1
		 GROUP BY m.from_id, u.name
		 ORDER BY MAX(m.message_time) DESC`,
		ownerID,
	)
	if err != nil {
		return nil, dbErr("query unread direct messages", err)
	}
	for _, row := range directRows {
		name := row.FromID
		if row.FromName.Valid && row.FromName.String != "" {
			name = row.FromName.String
		}
		mergeUnread(merged, UnreadChat{
			ChatType: 1, ToID: row.FromID, Name: name, UnreadCount: row.UnreadCount,
		})
	}

	// Two-member "groups" store their messages in im_single_message and
	// are already counted above; only real groups are queried here.
	var groupRows []struct {
		GroupID     string         `db:"group_id"`
		UnreadCount int64          `db:"unread_count"`
		GroupName   sql.NullString `db:"group_name"`
		MemberCount sql.NullInt64  `db:"member_count"`
	}
	err = s.db.SelectContext(ctx, &groupRows,
		`SELECT gm.group_id, COUNT(*) AS unread_count, g.group_name,
		        (SELECT COUNT(*) FROM im_group_member gm3
		         WHERE gm3.group_id = gm.group_id AND gm3.del_flag = 1) AS member_count
		 FROM im_group_message gm
		 INNER JOIN im_group_member gm2 ON gm.group_id = gm2.group_id AND gm2.del_flag = 1
		 INNER JOIN im_group g ON gm.group_id = g.group_id AND g.del_flag = 1
		 WHERE gm2.member_id = ? AND gm.del_flag = 1
		 AND (SELECT COUNT(*) FROM im_group_member gm3
		      WHERE gm3.group_id = gm.group_id AND gm3.del_flag = 1) >= 3
		 GROUP BY gm.group_id, g.group_name
		 ORDER BY MAX(gm.message_time) DESC`,
		ownerID,
	)
	if err != nil {
		return nil, dbErr("query unread group messages", err)
	}
	for _, row := range groupRows {
		if row.UnreadCount <= 0 || !row.MemberCount.Valid || row.MemberCount.Int64 < 3 {
			continue
		}
		name := row.GroupID
		if row.GroupName.Valid && row.GroupName.String != "" {
			name = row.GroupName.String
		}
		mergeUnread(merged, UnreadChat{
			ChatType: 2, ToID: row.GroupID, Name: name, UnreadCount: row.UnreadCount,
		})
	}

	out := make([]UnreadChat, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnreadCount > out[j].UnreadCount })
	return out, nil
}

// mergeUnread keeps the larger tally when two sources report the same
// conversation.
func mergeUnread(merged map[unreadKey]UnreadChat, c UnreadChat) {
	key := unreadKey{c.ChatType, c.ToID}
	if existing, ok := merged[key]; ok && existing.UnreadCount >= c.UnreadCount {
		return
	}
	merged[key] = c
}

// SetChatTop pins or unpins a conversation across every owner's row.
func (s *Store) SetChatTop(ctx context.Context, chatID string, isTop int16) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET is_top = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ?`,
		isTop, nowMillis(), chatID,
	)
	if err != nil {
		return dbErr("set chat top", err)
	}
	return nil
}

// SetChatMute toggles a conversation's do-not-disturb flag.
func (s *Store) SetChatMute(ctx context.Context, chatID string, isMute int16) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET is_mute = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ?`,
		isMute, nowMillis(), chatID,
	)
	if err != nil {
		return dbErr("set chat mute", err)
	}
	return nil
}

// UpdateChatRemark sets the owner's private label on a conversation.
// A nil remark clears it.
func (s *Store) UpdateChatRemark(ctx context.Context, chatID, ownerID string, remark *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET remark = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ? AND owner_id = ? AND `+chatLive,
		remark, nowMillis(), chatID, ownerID,
	)
	if err != nil {
		return dbErr("update chat remark", err)
	}
	return nil
}

// DeleteChat soft-deletes the owner's view of a conversation. For direct
// chats the messages between the two users are soft-deleted with it, both
// directions, so the thread does not resurface on the next send.
func (s *Store) DeleteChat(ctx context.Context, chatID, ownerID string) error {
	chat, err := s.GetChat(ctx, chatID, ownerID)
	if err != nil {
		return err
	}

	now := nowMillis()
	_, err = s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET del_flag = 0, update_time = ?, version = version + 1
		 WHERE chat_id = ? AND owner_id = ?`,
		now, chatID, ownerID,
	)
	if err != nil {
		return dbErr("delete chat", err)
	}

	if chat != nil && chat.ChatType == 1 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE im_single_message
			 SET del_flag = 0, update_time = ?, version = version + 1
			 WHERE ((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))
			 AND del_flag = 1`,
			now, ownerID, chat.ToID, chat.ToID, ownerID,
		)
		if err != nil {
			return dbErr("delete chat messages", err)
		}
	}
	return nil
}

// UpdateChatSequence advances a conversation's latest-message sequence
// across every owner's row.
func (s *Store) UpdateChatSequence(ctx context.Context, chatID string, sequence int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET sequence = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ?`,
		sequence, nowMillis(), chatID,
	)
	if err != nil {
		return dbErr("update chat sequence", err)
	}
	return nil
}

// UpdateReadSequence advances the reader's high-water mark.
func (s *Store) UpdateReadSequence(ctx context.Context, chatID string, readSequence int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_chat
		 SET read_sequence = ?, update_time = ?, version = version + 1
		 WHERE chat_id = ?`,
		readSequence, nowMillis(), chatID,
	)
	if err != nil {
		return dbErr("update read sequence", err)
	}
	return nil
}
