package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// setupMockStore creates a Store backed by sqlmock.
func setupMockStore(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	xdb := sqlx.NewDb(db, "sqlmock")
	return xdb, mock, NewWithDB(xdb)
}

func chatRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"chat_id", "chat_type", "owner_id", "to_id", "is_mute", "is_top", "sequence",
		"read_sequence", "remark", "create_time", "update_time", "del_flag", "version",
	})
}

func TestInsertSingleMessage(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO im_single_message").
		WithArgs(
			"msg-1", "100", "200", "hello", int64(1700000000000), int32(1),
			sqlmock.AnyArg(), // extra
			int64(7),
			sqlmock.AnyArg(), // message_random
			sqlmock.AnyArg(), // create_time
			sqlmock.AnyArg(), // update_time
			sqlmock.AnyArg(), // reply_to
			sqlmock.AnyArg(), // to_type
			sqlmock.AnyArg(), // file_url
			sqlmock.AnyArg(), // file_name
			sqlmock.AnyArg(), // file_type
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertSingleMessage(context.Background(), &SingleMessage{
		MessageID:   "msg-1",
		FromID:      "100",
		ToID:        "200",
		MessageBody: "hello",
		MessageTime: 1700000000000,
		ContentType: 1,
		Sequence:    7,
	})
	if err != nil {
		t.Fatalf("InsertSingleMessage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSingleMessageDatabaseError(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO im_single_message").
		WillReturnError(errors.New("connection refused"))

	err := store.InsertSingleMessage(context.Background(), &SingleMessage{MessageID: "msg-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "insert single message") {
		t.Errorf("err = %v, want insert single message wrap", err)
	}
}

func TestSingleHistoryFilters(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"message_id", "from_id", "to_id", "message_body", "message_time", "message_content_type",
		"read_status", "extra", "del_flag", "sequence", "message_random", "create_time",
		"update_time", "version", "reply_to", "to_type", "file_url", "file_name", "file_type",
	}).AddRow("msg-1", "100", "200", "hi", 1700000000000, 1, 0, nil, 1, 5, nil,
		1700000000000, 1700000000000, 1, nil, nil, nil, nil, nil)

	// Both directions of the pair, soft-delete and call-invite exclusions,
	// and the since-sequence cursor are part of the query.
	mock.ExpectQuery(`FROM im_single_message\s+WHERE \(\(from_id = \? AND to_id = \?\) OR \(from_id = \? AND to_id = \?\)\)\s+AND del_flag = 1 AND message_content_type != 4 AND sequence > \? ORDER BY sequence ASC LIMIT \?`).
		WithArgs("100", "200", "200", "100", int64(4), int32(50)).
		WillReturnRows(rows)

	since := int64(4)
	messages, err := store.SingleHistory(context.Background(), "100", "200", &since, 50)
	if err != nil {
		t.Fatalf("SingleHistory: %v", err)
	}
	if len(messages) != 1 || messages[0].MessageID != "msg-1" {
		t.Errorf("messages = %+v, want msg-1", messages)
	}
}

func TestGroupHistoryNoCursor(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"message_id", "group_id", "from_id", "message_body", "message_time", "message_content_type",
		"extra", "del_flag", "sequence", "message_random", "create_time", "update_time", "version", "reply_to",
	})

	mock.ExpectQuery(`FROM im_group_message\s+WHERE group_id = \? AND del_flag = 1 AND message_content_type != 4 ORDER BY sequence ASC LIMIT \?`).
		WithArgs("g-1", int32(100)).
		WillReturnRows(rows)

	messages, err := store.GroupHistory(context.Background(), "g-1", nil, 100)
	if err != nil {
		t.Fatalf("GroupHistory: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("messages = %+v, want empty", messages)
	}
}

func TestMarkSingleRead(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE im_single_message\s+SET read_status = 1, update_time = \?, version = version \+ 1\s+WHERE message_id = \? AND to_id = \?`).
		WithArgs(sqlmock.AnyArg(), "msg-1", "200").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkSingleRead(context.Background(), "msg-1", "200"); err != nil {
		t.Fatalf("MarkSingleRead: %v", err)
	}
}

func TestGetOrCreateChat(t *testing.T) {
	tests := []struct {
		name         string
		setupMock    func(sqlmock.Sqlmock)
		wantErr      bool
		wantChatType int32
		wantToID     string
	}{
		{
			name: "existing record returned",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows().
						AddRow("chat-1", 1, "100", "200", 0, 0, 3, 1, nil, 1, 1, 1, 1))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "first contact inserts",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectExec("INSERT INTO im_chat").
					WithArgs("chat-1", int32(1), "100", "200", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "chat_type conflict repaired in place",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows().
						AddRow("chat-1", 2, "100", "g-1", 0, 0, 3, 1, nil, 1, 1, 1, 1))
				mock.ExpectExec(`UPDATE im_chat\s+SET chat_type = \?, to_id = \?, update_time = \?, version = version \+ 1`).
					WithArgs(int32(1), "200", sqlmock.AnyArg(), "chat-1", "100").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows().
						AddRow("chat-1", 1, "100", "200", 0, 0, 3, 1, nil, 1, 2, 1, 2))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "repair update fails, expected record returned anyway",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows().
						AddRow("chat-1", 2, "100", "g-1", 0, 0, 3, 1, nil, 1, 1, 1, 1))
				mock.ExpectExec("UPDATE im_chat").
					WillReturnError(errors.New("lock wait timeout"))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "duplicate key resolves to concurrent winner",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectExec("INSERT INTO im_chat").
					WillReturnError(errors.New("Error 1062: Duplicate entry 'chat-1' for key 'PRIMARY'"))
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows().
						AddRow("chat-1", 1, "100", "200", 0, 0, 0, 0, nil, 1, 1, 1, 1))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "duplicate key under legacy schema, same owner",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectExec("INSERT INTO im_chat").
					WillReturnError(errors.New("Duplicate entry 'chat-1' for key 'PRIMARY'"))
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery(`WHERE chat_id = \?`).
					WithArgs("chat-1").
					WillReturnRows(chatRows().
						AddRow("chat-1", 1, "100", "200", 0, 0, 0, 0, nil, 1, 1, 1, 1))
			},
			wantChatType: 1,
			wantToID:     "200",
		},
		{
			name: "duplicate key under legacy schema, different owner fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery("chat_type != ").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectExec("INSERT INTO im_chat").
					WillReturnError(errors.New("Duplicate entry 'chat-1' for key 'PRIMARY'"))
				mock.ExpectQuery("FROM im_chat").
					WithArgs("chat-1", "100", int32(1)).
					WillReturnRows(chatRows())
				mock.ExpectQuery(`WHERE chat_id = \?`).
					WithArgs("chat-1").
					WillReturnRows(chatRows().
						AddRow("chat-1", 1, "999", "200", 0, 0, 0, 0, nil, 1, 1, 1, 1))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			chat, err := store.GetOrCreateChat(context.Background(), "chat-1", 1, "100", "200")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetOrCreateChat: %v", err)
			}
			if chat.ChatType != tt.wantChatType {
				t.Errorf("chat_type = %d, want %d", chat.ChatType, tt.wantChatType)
			}
			if chat.ToID != tt.wantToID {
				t.Errorf("to_id = %q, want %q", chat.ToID, tt.wantToID)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func chatSummaryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"chat_id", "chat_type", "owner_id", "to_id", "is_mute", "is_top", "sequence",
		"read_sequence", "remark", "create_time", "update_time", "del_flag", "version",
		"name", "member_count",
	})
}

func TestUserChatsBackfillsGroupsAndRepairsTypes(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	// membership scan finds one group; its chat row already exists
	mock.ExpectQuery("SELECT DISTINCT g.group_id").
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g-9"))
	mock.ExpectQuery("FROM im_chat").
		WithArgs("group_g-9", "100", int32(2)).
		WillReturnRows(chatRows().
			AddRow("group_g-9", 2, "100", "g-9", 0, 0, 0, 0, nil, 1, 1, 1, 1))

	mock.ExpectQuery(`LEFT JOIN im_group g ON`).
		WithArgs("100").
		WillReturnRows(chatSummaryRows().
			AddRow("group_g-9", 2, "100", "g-9", 0, 1, 8, 2, nil, 1, 9, 1, 1, "all hands", 5).
			AddRow("single_100_200", 2, "100", "200", 0, 0, 3, 1, nil, 1, 5, 1, 1, "bob", nil))

	// the second row's chat_type contradicts its single_ prefix
	mock.ExpectExec(`UPDATE im_chat\s+SET chat_type = \?`).
		WithArgs(int32(1), sqlmock.AnyArg(), "single_100_200", "100", int32(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	chats, err := store.UserChats(context.Background(), "100")
	if err != nil {
		t.Fatalf("UserChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2", len(chats))
	}
	if chats[0].ChatID != "group_g-9" || !chats[0].MemberCount.Valid || chats[0].MemberCount.Int64 != 5 {
		t.Errorf("group chat = %+v", chats[0])
	}
	if chats[1].ChatType != 1 {
		t.Errorf("repaired chat_type = %d, want 1", chats[1].ChatType)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnreadChatsMergesSources(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	// chat rows say 3 unread from 200 (sequence 10, read 7)
	mock.ExpectQuery(`AND c\.sequence > c\.read_sequence`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"chat_type", "to_id", "sequence", "read_sequence", "name"}).
			AddRow(1, "200", 10, 7, "bob"))

	// the message table counts 5 from 200 (larger, wins) and 2 from 300
	mock.ExpectQuery(`FROM im_single_message m`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"from_id", "unread_count", "from_name"}).
			AddRow("200", 5, "bob").
			AddRow("300", 2, nil))

	mock.ExpectQuery(`FROM im_group_message gm`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "unread_count", "group_name", "member_count"}).
			AddRow("g-1", 4, "team", 5))

	unread, err := store.UnreadChats(context.Background(), "100")
	if err != nil {
		t.Fatalf("UnreadChats: %v", err)
	}
	if len(unread) != 3 {
		t.Fatalf("unread = %+v, want 3 conversations", unread)
	}
	// sorted by count, largest first; the chat-row tally for 200 was
	// superseded by the message-table count
	if unread[0].ToID != "200" || unread[0].UnreadCount != 5 {
		t.Errorf("unread[0] = %+v, want 200/5", unread[0])
	}
	if unread[1].ToID != "g-1" || unread[1].ChatType != 2 || unread[1].Name != "team" {
		t.Errorf("unread[1] = %+v, want group g-1", unread[1])
	}
	if unread[2].ToID != "300" || unread[2].Name != "300" {
		t.Errorf("unread[2] = %+v, want nameless 300 falling back to its id", unread[2])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnreadChatsSkipsSmallGroups(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`AND c\.sequence > c\.read_sequence`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"chat_type", "to_id", "sequence", "read_sequence", "name"}))
	mock.ExpectQuery(`FROM im_single_message m`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"from_id", "unread_count", "from_name"}))
	// a two-member group slips past the SQL filter; the member-count
	// guard drops it
	mock.ExpectQuery(`FROM im_group_message gm`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "unread_count", "group_name", "member_count"}).
			AddRow("g-2", 7, "pair", 2))

	unread, err := store.UnreadChats(context.Background(), "100")
	if err != nil {
		t.Fatalf("UnreadChats: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("unread = %+v, want empty", unread)
	}
}

func TestSetChatFlags(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE im_chat\s+SET is_top = \?`).
		WithArgs(int16(1), sqlmock.AnyArg(), "chat-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE im_chat\s+SET is_mute = \?`).
		WithArgs(int16(1), sqlmock.AnyArg(), "chat-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.SetChatTop(context.Background(), "chat-1", 1); err != nil {
		t.Fatalf("SetChatTop: %v", err)
	}
	if err := store.SetChatMute(context.Background(), "chat-1", 1); err != nil {
		t.Fatalf("SetChatMute: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateChatRemarkScopedToOwner(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE im_chat\s+SET remark = \?.*WHERE chat_id = \? AND owner_id = \?`).
		WithArgs("work", sqlmock.AnyArg(), "chat-1", "100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	remark := "work"
	if err := store.UpdateChatRemark(context.Background(), "chat-1", "100", &remark); err != nil {
		t.Fatalf("UpdateChatRemark: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteChatCascadesDirectMessages(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("FROM im_chat").
		WithArgs("single_100_200", "100").
		WillReturnRows(chatRows().
			AddRow("single_100_200", 1, "100", "200", 0, 0, 3, 1, nil, 1, 1, 1, 1))
	mock.ExpectExec(`UPDATE im_chat\s+SET del_flag = 0`).
		WithArgs(sqlmock.AnyArg(), "single_100_200", "100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE im_single_message\s+SET del_flag = 0`).
		WithArgs(sqlmock.AnyArg(), "100", "200", "200", "100").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.DeleteChat(context.Background(), "single_100_200", "100"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteChatWithoutRecordSkipsCascade(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("FROM im_chat").
		WithArgs("chat-gone", "100").
		WillReturnRows(chatRows())
	mock.ExpectExec(`UPDATE im_chat\s+SET del_flag = 0`).
		WithArgs(sqlmock.AnyArg(), "chat-gone", "100").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteChat(context.Background(), "chat-gone", "100"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGroupMemberIDsDeduplicates(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"member_id"}).
		AddRow("100").AddRow("200").AddRow("100").AddRow("300")

	mock.ExpectQuery("FROM im_group_member").
		WithArgs("g-1").
		WillReturnRows(rows)

	ids, err := store.GroupMemberIDs(context.Background(), "g-1")
	if err != nil {
		t.Fatalf("GroupMemberIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3 unique members", ids)
	}
	if ids[0] != "100" || ids[1] != "200" || ids[2] != "300" {
		t.Errorf("ids = %v, want first-occurrence order", ids)
	}
}

func TestGetGroupDissolved(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("FROM im_group").
		WithArgs("g-gone").
		WillReturnRows(sqlmock.NewRows([]string{
			"group_id", "owner_id", "group_name", "status", "sequence", "del_flag", "member_count",
		}))

	_, err := store.GetGroup(context.Background(), "g-gone")
	if err == nil {
		t.Fatal("expected not found")
	}
	if !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("err = %v, want NOT_FOUND class", err)
	}
}

func TestFreshSubscriptionIDs(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`created_at >= DATE_SUB\(NOW\(\), INTERVAL \? HOUR\)`).
		WithArgs(int64(42), 24).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id"}).
			AddRow("sub_bbb").AddRow("sub_aaa"))

	ids, err := store.FreshSubscriptionIDs(context.Background(), 42, 24)
	if err != nil {
		t.Fatalf("FreshSubscriptionIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sub_bbb" {
		t.Errorf("ids = %v, want newest first", ids)
	}
}

func TestLatestFreshSubscriptionIDExpired(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("ORDER BY created_at DESC LIMIT 1").
		WithArgs(int64(42), 24).
		WillReturnError(sql.ErrNoRows)

	_, err := store.LatestFreshSubscriptionID(context.Background(), 42, 24)
	if err == nil {
		t.Fatal("expected not found for aged-out subscriptions")
	}
}

func TestUserByOpenIDInactiveFiltered(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`\(status IS NULL OR status = 1\)`).
		WithArgs("1844674407370955").
		WillReturnError(sql.ErrNoRows)

	_, err := store.UserByOpenID(context.Background(), "1844674407370955")
	if err == nil {
		t.Fatal("expected not found for disabled account")
	}
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Error 1062: Duplicate entry 'x'"), true},
		{errors.New("Duplicate entry 'chat-1' for key 'PRIMARY'"), true},
		{errors.New("UNIQUE constraint failed: im_chat.chat_id"), true},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := isDuplicateKey(tt.err); got != tt.want {
			t.Errorf("isDuplicateKey(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
