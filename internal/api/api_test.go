package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
)

type fakeStore struct {
	singles      []*storage.SingleMessage
	groupMsgs    []*storage.GroupMessage
	chats        map[string]*storage.Chat
	chatSeq      map[string]int64
	readSeq      map[string]int64
	groups       map[string]*storage.Group
	members      map[string][]string
	history      []storage.SingleMessage
	groupHistory []storage.GroupMessage
	marked       [][2]string

	chatList     []storage.ChatSummary
	unread       []storage.UnreadChat
	topSet       map[string]int16
	muteSet      map[string]int16
	remarks      map[string]*string
	deletedChats []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:   make(map[string]*storage.Chat),
		chatSeq: make(map[string]int64),
		readSeq: make(map[string]int64),
		groups:  make(map[string]*storage.Group),
		members: make(map[string][]string),
		topSet:  make(map[string]int16),
		muteSet: make(map[string]int16),
		remarks: make(map[string]*string),
	}
}

func chatKey(chatID, ownerID string) string { return chatID + "|" + ownerID }

func (f *fakeStore) InsertSingleMessage(_ context.Context, m *storage.SingleMessage) error {
	f.singles = append(f.singles, m)
	return nil
}

func (f *fakeStore) InsertGroupMessage(_ context.Context, m *storage.GroupMessage) error {
	f.groupMsgs = append(f.groupMsgs, m)
	return nil
}

func (f *fakeStore) SingleHistory(_ context.Context, _, _ string, _ *int64, _ int32) ([]storage.SingleMessage, error) {
	return f.history, nil
}

func (f *fakeStore) GroupHistory(_ context.Context, _ string, _ *int64, _ int32) ([]storage.GroupMessage, error) {
	return f.groupHistory, nil
}

func (f *fakeStore) MarkSingleRead(_ context.Context, messageID, toID string) error {
	f.marked = append(f.marked, [2]string{messageID, toID})
	return nil
}

func (f *fakeStore) GetChat(_ context.Context, chatID, ownerID string) (*storage.Chat, error) {
	return f.chats[chatKey(chatID, ownerID)], nil
}

func (f *fakeStore) GetOrCreateChat(_ context.Context, chatID string, chatType int32, ownerID, toID string) (*storage.Chat, error) {
	key := chatKey(chatID, ownerID)
	if c, ok := f.chats[key]; ok {
		return c, nil
	}
	c := &storage.Chat{
		ChatID:   chatID,
		ChatType: chatType,
		OwnerID:  sql.NullString{String: ownerID, Valid: true},
		ToID:     toID,
	}
	f.chats[key] = c
	return c, nil
}

func (f *fakeStore) UpdateChatSequence(_ context.Context, chatID string, sequence int64) error {
	f.chatSeq[chatID] = sequence
	return nil
}

func (f *fakeStore) UpdateReadSequence(_ context.Context, chatID string, readSequence int64) error {
	f.readSeq[chatID] = readSequence
	return nil
}

func (f *fakeStore) UserChats(_ context.Context, _ string) ([]storage.ChatSummary, error) {
	return f.chatList, nil
}

func (f *fakeStore) UnreadChats(_ context.Context, _ string) ([]storage.UnreadChat, error) {
	return f.unread, nil
}

func (f *fakeStore) SetChatTop(_ context.Context, chatID string, isTop int16) error {
	f.topSet[chatID] = isTop
	return nil
}

func (f *fakeStore) SetChatMute(_ context.Context, chatID string, isMute int16) error {
	f.muteSet[chatID] = isMute
	return nil
}

func (f *fakeStore) UpdateChatRemark(_ context.Context, chatID, ownerID string, remark *string) error {
	f.remarks[chatKey(chatID, ownerID)] = remark
	return nil
}

func (f *fakeStore) DeleteChat(_ context.Context, chatID, ownerID string) error {
	f.deletedChats = append(f.deletedChats, chatKey(chatID, ownerID))
	return nil
}

func (f *fakeStore) GetGroup(_ context.Context, groupID string) (*storage.Group, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, imerr.NotFound("group not found")
	}
	return g, nil
}

func (f *fakeStore) GroupMemberIDs(_ context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

type fakeKV struct {
	offline  map[string][][]byte
	sessions map[string]*kv.SessionRecord
	reads    map[string]map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		offline:  make(map[string][][]byte),
		sessions: make(map[string]*kv.SessionRecord),
		reads:    make(map[string]map[string]bool),
	}
}

func (f *fakeKV) PushOffline(_ context.Context, openID string, payload []byte) error {
	f.offline[openID] = append(f.offline[openID], payload)
	return nil
}

func (f *fakeKV) GetSession(_ context.Context, userID string) (*kv.SessionRecord, error) {
	return f.sessions[userID], nil
}

func (f *fakeKV) MarkGroupRead(_ context.Context, groupID, messageID, userID string) error {
	key := groupID + ":" + messageID
	if f.reads[key] == nil {
		f.reads[key] = make(map[string]bool)
	}
	f.reads[key][userID] = true
	return nil
}

func (f *fakeKV) GroupReaders(_ context.Context, groupID, messageID string) ([]string, error) {
	var out []string
	for u := range f.reads[groupID+":"+messageID] {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeKV) GroupReadCount(_ context.Context, groupID, messageID string) (int64, error) {
	return int64(len(f.reads[groupID+":"+messageID])), nil
}

type fakeResolver struct {
	users []*storage.User
}

func (f *fakeResolver) find(query string) *storage.User {
	for _, u := range f.users {
		if u.OpenID.Valid && u.OpenID.String == query {
			return u
		}
		if u.Name.Valid && u.Name.String == query {
			return u
		}
		if strconv.FormatInt(u.ID, 10) == query {
			return u
		}
	}
	return nil
}

func (f *fakeResolver) Resolve(_ context.Context, query string) (*storage.User, error) {
	if u := f.find(query); u != nil {
		return u, nil
	}
	return nil, imerr.NotFound("user not found")
}

func (f *fakeResolver) ResolveAuthenticated(ctx context.Context, id auth.Identity) (*storage.User, error) {
	return f.Resolve(ctx, id.Subject)
}

func (f *fakeResolver) ByID(_ context.Context, id int64) (*storage.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, imerr.NotFound("user not found")
}

type fakeSubs struct {
	byUser  map[int64][]string
	bySub   map[string]int64
	created int
	touched []string
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{byUser: make(map[int64][]string), bySub: make(map[string]int64)}
}

func (f *fakeSubs) GetOrCreate(_ context.Context, userID int64) (string, error) {
	if ids := f.byUser[userID]; len(ids) > 0 {
		return ids[0], nil
	}
	f.created++
	id := "sub_test_" + strconv.Itoa(f.created)
	f.byUser[userID] = append(f.byUser[userID], id)
	f.bySub[id] = userID
	return id, nil
}

func (f *fakeSubs) SubscriptionIDs(_ context.Context, userID int64) ([]string, error) {
	return f.byUser[userID], nil
}

func (f *fakeSubs) UserID(_ context.Context, subscriptionID string) (int64, error) {
	id, ok := f.bySub[subscriptionID]
	if !ok {
		return 0, imerr.NotFound("subscription not found")
	}
	return id, nil
}

func (f *fakeSubs) Touch(_ context.Context, subscriptionID string) error {
	f.touched = append(f.touched, subscriptionID)
	return nil
}

type published struct {
	mqttID  string
	payload []byte
}

type fakePublisher struct {
	published []published
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, mqttID string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{mqttID: mqttID, payload: payload})
	return nil
}

type routed struct {
	brokerID string
	body     []byte
}

type fakeNodes struct {
	routed []routed
}

func (f *fakeNodes) PublishToBroker(_ context.Context, brokerID string, body []byte) error {
	f.routed = append(f.routed, routed{brokerID: brokerID, body: body})
	return nil
}

type fixture struct {
	srv       *Server
	store     *fakeStore
	kv        *fakeKV
	subs      *fakeSubs
	publisher *fakePublisher
	nodes     *fakeNodes
	handler   http.Handler
}

func user(id int64, openID string) *storage.User {
	return &storage.User{ID: id, OpenID: sql.NullString{String: openID, Valid: true}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	kvc := newFakeKV()
	subs := newFakeSubs()
	pub := &fakePublisher{}
	nodes := &fakeNodes{}
	resolver := &fakeResolver{users: []*storage.User{
		user(1, "u_alice"),
		user(2, "u_bob"),
		user(3, "u_carol"),
	}}

	srv := New(config.Default().API, Options{
		Logger:        observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		JWT:           auth.NewJWTService("test-secret"),
		Store:         store,
		KV:            kvc,
		Resolver:      resolver,
		Subscriptions: subs,
		Publisher:     pub,
		Nodes:         nodes,
	})
	return &fixture{
		srv:       srv,
		store:     store,
		kv:        kvc,
		subs:      subs,
		publisher: pub,
		nodes:     nodes,
		handler:   srv.Handler(),
	}
}

func (f *fixture) token(t *testing.T, openID string) string {
	t.Helper()
	tok, err := f.srv.jwt.Sign(auth.Identity{Subject: openID, IsOpenID: true}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/im/messages/single", "", `{"from_id":"u_alice","to_id":"u_bob","message_body":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["code"] != string(imerr.CodeUnauthorized) {
		t.Errorf("code = %v, want UNAUTHORIZED", body["code"])
	}
}

func TestCreateSubscription(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/subscriptions", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	sid, _ := body["subscription_id"].(string)
	if sid == "" {
		t.Fatal("no subscription_id in response")
	}
	if got := f.subs.bySub[sid]; got != 1 {
		t.Errorf("subscription maps to user %d, want 1", got)
	}

	// a second call reuses the fresh subscription
	rec = f.do(t, http.MethodPost, "/api/subscriptions", f.token(t, "u_alice"), "")
	again := decodeBody[map[string]any](t, rec)
	if again["subscription_id"] != sid {
		t.Errorf("second call minted %v, want reuse of %s", again["subscription_id"], sid)
	}
}

func TestSubscriptionUserLookup(t *testing.T) {
	f := newFixture(t)
	f.subs.bySub["sub_x"] = 2

	rec := f.do(t, http.MethodGet, "/api/subscriptions/sub_x/user", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["open_id"] != "u_bob" {
		t.Errorf("open_id = %v, want u_bob", body["open_id"])
	}
	// u_bob is not numeric, so the topic id falls back to the database id
	if body["snowflake_id"] != "2" {
		t.Errorf("snowflake_id = %v, want 2", body["snowflake_id"])
	}
	if body["subscription_id"] != "sub_x" {
		t.Errorf("subscription_id = %v", body["subscription_id"])
	}
	if len(f.subs.touched) != 1 || f.subs.touched[0] != "sub_x" {
		t.Errorf("touched = %v, want [sub_x]", f.subs.touched)
	}
}

func TestSubscriptionUserUnknown(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/subscriptions/sub_missing/user", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSnowflakeID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/users/u_carol/snowflake_id", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["open_id"] != "u_carol" || body["snowflake_id"] != "3" {
		t.Errorf("body = %v", body)
	}
}

func TestSingleHistory(t *testing.T) {
	f := newFixture(t)
	f.store.history = []storage.SingleMessage{
		{MessageID: "m1", FromID: "u_alice", ToID: "u_bob", MessageBody: "hey", Sequence: 10},
		{MessageID: "m2", FromID: "u_bob", ToID: "u_alice", MessageBody: "yo", Sequence: 11},
	}

	rec := f.do(t, http.MethodGet, "/api/im/messages/single?to_id=u_bob", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestSingleHistoryBadSince(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/im/messages/single?to_id=u_bob&since_sequence=abc", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGroupHistory(t *testing.T) {
	f := newFixture(t)
	f.store.groupHistory = []storage.GroupMessage{
		{MessageID: "g1", GroupID: "group_7", FromID: "u_alice", MessageBody: "all hands", Sequence: 5},
	}

	// the bare id is normalized before the query
	rec := f.do(t, http.MethodGet, "/api/im/messages/group/7", f.token(t, "u_bob"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestMarkSingleRead(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/im/messages/single/m1/read", f.token(t, "u_bob"),
		`{"peer_id":"u_alice","sequence":42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.store.marked) != 1 || f.store.marked[0] != [2]string{"m1", "u_bob"} {
		t.Errorf("marked = %v", f.store.marked)
	}
	if got := f.store.readSeq["single_u_alice_u_bob"]; got != 42 {
		t.Errorf("read sequence = %d, want 42", got)
	}
}

func TestGroupReadState(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/im/messages/group/g1/m9/read", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/im/messages/group/g1/m9/readers", f.token(t, "u_bob"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readers status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	readers, _ := body["readers"].([]any)
	if len(readers) != 1 || readers[0] != "u_alice" {
		t.Errorf("readers = %v", readers)
	}
}

func TestUserChats(t *testing.T) {
	f := newFixture(t)
	f.store.chatList = []storage.ChatSummary{
		{
			ChatID: "group_7", ChatType: 2, ToID: "7", IsTop: 1,
			Name:        sql.NullString{String: "all hands", Valid: true},
			MemberCount: sql.NullInt64{Int64: 5, Valid: true},
		},
		{ChatID: "single_u_alice_u_bob", ChatType: 1, ToID: "u_bob"},
	}

	rec := f.do(t, http.MethodGet, "/api/im/chats", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", body["count"])
	}
	chats, _ := body["chats"].([]any)
	first, _ := chats[0].(map[string]any)
	if first["chat_id"] != "group_7" || first["name"] != "all hands" {
		t.Errorf("first chat = %v", first)
	}
	if first["member_count"] != float64(5) {
		t.Errorf("member_count = %v, want 5", first["member_count"])
	}
	second, _ := chats[1].(map[string]any)
	if _, ok := second["name"]; ok {
		t.Errorf("nameless chat serialized a name: %v", second)
	}
}

func TestUnreadStats(t *testing.T) {
	f := newFixture(t)
	f.store.unread = []storage.UnreadChat{
		{ChatType: 2, ToID: "7", Name: "all hands", UnreadCount: 5},
		{ChatType: 1, ToID: "u_bob", Name: "bob", UnreadCount: 3},
	}

	rec := f.do(t, http.MethodGet, "/api/im/chats/unread-stats", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["total_unread"] != float64(8) {
		t.Errorf("total_unread = %v, want 8", body["total_unread"])
	}
	if body["single_chat_unread"] != float64(3) || body["group_chat_unread"] != float64(5) {
		t.Errorf("split = %v / %v, want 3 / 5", body["single_chat_unread"], body["group_chat_unread"])
	}
	chats, _ := body["unread_chats"].([]any)
	if len(chats) != 2 {
		t.Fatalf("unread_chats = %v", chats)
	}
	group, _ := chats[0].(map[string]any)
	if group["chat_id"] != "group_7" {
		t.Errorf("group chat_id = %v, want group_7", group["chat_id"])
	}
	single, _ := chats[1].(map[string]any)
	if single["chat_id"] != "single_u_alice_u_bob" {
		t.Errorf("single chat_id = %v, want single_u_alice_u_bob", single["chat_id"])
	}
}

func TestUpdateChatFlags(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "u_alice")

	// is_top wins when both flags arrive
	rec := f.do(t, http.MethodPut, "/api/im/chats/group_7", tok, `{"is_top":1,"is_mute":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if f.store.topSet["group_7"] != 1 {
		t.Errorf("topSet = %v", f.store.topSet)
	}
	if len(f.store.muteSet) != 0 {
		t.Errorf("muteSet = %v, want untouched", f.store.muteSet)
	}

	rec = f.do(t, http.MethodPut, "/api/im/chats/group_7", tok, `{"is_mute":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("mute status = %d", rec.Code)
	}
	if f.store.muteSet["group_7"] != 1 {
		t.Errorf("muteSet = %v", f.store.muteSet)
	}

	rec = f.do(t, http.MethodPut, "/api/im/chats/group_7", tok, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
}

func TestUpdateChatRemark(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/api/im/chats/group_7/remark", f.token(t, "u_alice"), `{"remark":"work"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	remark, ok := f.store.remarks[chatKey("group_7", "u_alice")]
	if !ok || remark == nil || *remark != "work" {
		t.Errorf("remarks = %v", f.store.remarks)
	}

	// null clears
	rec = f.do(t, http.MethodPut, "/api/im/chats/group_7/remark", f.token(t, "u_alice"), `{"remark":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if remark := f.store.remarks[chatKey("group_7", "u_alice")]; remark != nil {
		t.Errorf("remark = %v, want cleared", *remark)
	}
}

func TestDeleteChat(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodDelete, "/api/im/chats/single_u_alice_u_bob", f.token(t, "u_alice"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := chatKey("single_u_alice_u_bob", "u_alice")
	if len(f.store.deletedChats) != 1 || f.store.deletedChats[0] != want {
		t.Errorf("deletedChats = %v, want [%s]", f.store.deletedChats, want)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Errorf("X-Request-Id = %q, want req-fixed", got)
	}
}
