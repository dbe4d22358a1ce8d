package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/auth"
	"roomchat/internal/db"
	"roomchat/internal/db/dbtest"
	"roomchat/internal/message"
	"roomchat/internal/middleware"
	"roomchat/internal/ratelimit"
	"roomchat/internal/receipt"
	"roomchat/internal/room"
	"roomchat/internal/user"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

type testServer struct {
	*httptest.Server
	messages *message.Repository
	dir      *room.Directory
	presence *Presence
	limiter  *ratelimit.Limiter
}

type serverOptions struct {
	rules    map[ratelimit.Bucket]ratelimit.Rule
	messages MessageStore // overrides the SQL store when set
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.rules == nil {
		opts.rules = map[ratelimit.Bucket]ratelimit.Rule{
			ratelimit.BucketMessage: {Limit: 100, Window: time.Minute},
			ratelimit.BucketJoin:    {Limit: 100, Window: time.Minute},
			ratelimit.BucketTyping:  {Limit: 100, Window: time.Minute},
		}
	}

	database := dbtest.New(t)
	messages := message.NewRepository(database, zerolog.Nop())
	users := user.NewRepository(database, zerolog.Nop())
	dir := room.NewDirectory(room.NewRepository(database), messages,
		receipt.NewRepository(database, zerolog.Nop()), users, zerolog.Nop())

	var store MessageStore = messages
	if opts.messages != nil {
		store = opts.messages
	}

	hub := NewHub(zerolog.Nop())
	go hub.Run()

	broker := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Subscribe(ctx, hub.Deliver)
	waitFor(t, func() bool { return broker.subscribers() == 1 })

	ts := &testServer{
		messages: messages,
		dir:      dir,
		presence: NewPresence(),
		limiter:  ratelimit.New(opts.rules),
	}
	gw := NewGateway(Deps{
		Hub:      hub,
		Broker:   broker,
		Presence: ts.presence,
		Limiter:  ts.limiter,
		Messages: store,
		Rooms:    dir,
		Profiles: users,
	}, zerolog.Nop())

	validator := auth.NewValidator(auth.Options{Current: testSecret})
	h := NewHandler(gw, validator, nil, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWs)
	mux.Handle("/api/messages", middleware.NewAuthMiddleware(validator).Handle(http.HandlerFunc(h.PostMessage)))
	ts.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Server.Close()
		cancel()
		hub.Stop()
	})
	return ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, auth.Identity{UserID: userID, Username: userID + "-name"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dialWithToken(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) dial(t *testing.T, userID string) *wsClient {
	t.Helper()
	return &wsClient{t: t, conn: s.dialWithToken(t, token(t, userID))}
}

func (c *wsClient) send(event, requestID string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", event, err)
	}
	if err := c.conn.WriteJSON(Frame{Event: event, RequestID: requestID, Data: raw}); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

// next returns the next frame, skipping presence and typing noise unless
// that is what the caller waits for.
func (c *wsClient) next(event string) Frame {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event != event && (f.Event == EventPresence || f.Event == EventTyping) {
			continue
		}
		if f.Event != event {
			c.t.Fatalf("expected %s frame, got %s: %s", event, f.Event, f.Data)
		}
		return f
	}
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Event, err)
	}
	return v
}

func (c *wsClient) join(roomID string) {
	c.t.Helper()
	c.send(EventJoin, "", RoomRequest{RoomID: roomID})
	// the history reply proves the join was handled
	c.send(EventHistory, "sync", HistoryRequest{RoomID: roomID, Limit: 1})
	c.next(EventHistory)
}

func TestRetryAckedTwiceStoredOnce(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	alice.join("r1")
	bob.send(EventJoin, "", RoomRequest{RoomID: "r1"})
	if p := decode[PresenceUpdate](t, alice.next(EventPresence)); p.UserID != "bob" || p.State != "join" || p.RoomID != "r1" {
		t.Fatalf("unexpected presence %+v", p)
	}

	alice.send(EventTyping, "", RoomRequest{RoomID: "r1"})
	if ty := decode[Typing](t, bob.next(EventTyping)); ty.UserID != "alice" {
		t.Fatalf("unexpected typing %+v", ty)
	}

	hi := MessageRequest{RoomID: "r1", ClientMessageID: "c1", Text: "hi"}
	alice.send(EventMessage, "", hi)
	alice.send(EventMessage, "", hi)

	first := decode[Ack](t, alice.next(EventAck))
	second := decode[Ack](t, alice.next(EventAck))
	if first.ClientMessageID != "c1" || first.Duplicate {
		t.Fatalf("unexpected first ack %+v", first)
	}
	if second.ClientMessageID != "c1" || !second.Duplicate || second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("retry should ack the stored record, got %+v vs %+v", second, first)
	}

	got := decode[message.Message](t, bob.next(EventMessage))
	if got.ID != first.ID || got.Text != "hi" || got.SenderID != "alice" {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	// the next broadcast bob sees must be c2, not a second copy of c1;
	// alice's next frame must be her ack, not an echo of her own message
	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "c2", Text: "after"})
	if ack := decode[Ack](t, alice.next(EventAck)); ack.ClientMessageID != "c2" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if got := decode[message.Message](t, bob.next(EventMessage)); got.ClientMessageID != "c2" {
		t.Fatalf("duplicate broadcast leaked: got %s", got.ClientMessageID)
	}

	stored, err := s.messages.ListByRoom(context.Background(), "r1", 10, nil)
	if err != nil {
		t.Fatalf("ListByRoom: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(stored))
	}
}

func TestValidationKeepsConnectionOpen(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	alice := s.dial(t, "alice")

	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "big", Text: strings.Repeat("a", message.MaxTextLength+1)})
	e := decode[ErrorPayload](t, alice.next(EventError))
	if e.Code != CodeValidation || e.ClientMessageID != "big" {
		t.Fatalf("unexpected error %+v", e)
	}

	// far past the text limit but inside the frame cap
	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "huge", Text: strings.Repeat("a", 200000)})
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeValidation || e.ClientMessageID != "huge" {
		t.Fatalf("unexpected error %+v", e)
	}

	alice.send(EventMessage, "", MessageRequest{ClientMessageID: "no-room", Text: "x"})
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeValidation {
		t.Fatalf("unexpected error %+v", e)
	}

	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "meta", Metadata: json.RawMessage(`[1]`)})
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeValidation {
		t.Fatalf("unexpected error %+v", e)
	}

	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeBadFrame {
		t.Fatalf("unexpected error %+v", e)
	}

	alice.send("shout", "rq-1", RoomRequest{RoomID: "r1"})
	f := alice.next(EventError)
	if e := decode[ErrorPayload](t, f); e.Code != CodeUnknownEvent || f.RequestID != "rq-1" {
		t.Fatalf("unexpected error %+v (request %q)", e, f.RequestID)
	}

	alice.send(EventJoin, "", RoomRequest{})
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeValidation {
		t.Fatalf("join without room: %+v", e)
	}

	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "ok", Text: "still here"})
	if ack := decode[Ack](t, alice.next(EventAck)); ack.ClientMessageID != "ok" {
		t.Fatalf("connection unusable after rejections: %+v", ack)
	}
}

func TestRateLimitedIsSenderOnly(t *testing.T) {
	s := newTestServer(t, serverOptions{rules: map[ratelimit.Bucket]ratelimit.Rule{
		ratelimit.BucketMessage: {Limit: 3, Window: time.Minute},
	}})
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	bob.join("r1")

	for i := 1; i <= 4; i++ {
		alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: fmt.Sprintf("c%d", i), Text: "x"})
	}
	for i := 1; i <= 3; i++ {
		if ack := decode[Ack](t, alice.next(EventAck)); ack.ClientMessageID != fmt.Sprintf("c%d", i) {
			t.Fatalf("unexpected ack %+v", ack)
		}
	}
	e := decode[ErrorPayload](t, alice.next(EventError))
	if e.Code != CodeRateLimited || e.ClientMessageID != "c4" {
		t.Fatalf("expected rate_limited for c4, got %+v", e)
	}

	for i := 1; i <= 3; i++ {
		bob.next(EventMessage)
	}
	// bob's next frame answers his own request; nothing about c4 arrived first
	bob.send(EventHistory, "h", HistoryRequest{RoomID: "r1"})
	if h := decode[HistoryResponse](t, bob.next(EventHistory)); len(h.Messages) != 3 {
		t.Fatalf("rejected message was stored: %d messages", len(h.Messages))
	}
}

func TestUnauthenticatedSocketIsClosed(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	expired, _ := auth.Sign(testSecret, auth.Identity{UserID: "alice"}, -time.Hour)
	for name, tok := range map[string]string{
		"missing": "",
		"garbage": "nope",
		"expired": expired,
	} {
		conn := s.dialWithToken(t, tok)
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err == nil {
			t.Fatalf("%s: expected the server to hang up, got %q", name, data)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("%s: connection left open", name)
		}
	}
	if s.presence.Len() != 0 {
		t.Fatalf("unauthenticated sockets registered presence")
	}
}

func TestHistoryRoomsAndRead(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	ctx := context.Background()

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	rm, err := s.dir.EnsureOneToOne(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("EnsureOneToOne: %v", err)
	}
	alice.join(rm.ID)

	for i := 1; i <= 3; i++ {
		alice.send(EventMessage, "", MessageRequest{RoomID: rm.ID, ClientMessageID: fmt.Sprintf("m%d", i), Text: fmt.Sprintf("t%d", i)})
		alice.next(EventAck)
	}

	alice.send(EventHistory, "h1", HistoryRequest{RoomID: rm.ID, Limit: 2})
	f := alice.next(EventHistory)
	page := decode[HistoryResponse](t, f)
	if f.RequestID != "h1" || len(page.Messages) != 2 || page.Messages[0].Text != "t3" || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}

	alice.send(EventHistory, "h2", HistoryRequest{RoomID: rm.ID, Limit: 2, Before: page.NextCursor})
	page = decode[HistoryResponse](t, alice.next(EventHistory))
	if len(page.Messages) != 1 || page.Messages[0].Text != "t1" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}

	alice.send(EventHistory, "h3", HistoryRequest{RoomID: rm.ID, Before: "yesterday"})
	if e := decode[ErrorPayload](t, alice.next(EventError)); e.Code != CodeValidation {
		t.Fatalf("bad cursor: %+v", e)
	}

	bob.send(EventRooms, "r1", RoomsRequest{})
	rooms := decode[RoomsResponse](t, bob.next(EventRooms))
	if len(rooms.Rooms) != 1 || rooms.Rooms[0].UnreadCount != 3 || rooms.Rooms[0].LastMessage.Text != "t3" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
	if p := rooms.Rooms[0].Partner; p == nil || p.Username != "alice-name" {
		t.Fatalf("partner profile not cached from token: %+v", p)
	}
	if rooms.Pagination.Total != 1 || rooms.Pagination.Limit != room.DefaultListLimit {
		t.Fatalf("unexpected pagination %+v", rooms.Pagination)
	}

	bob.send(EventRead, "rd", ReadRequest{RoomID: rm.ID})
	if rc := decode[ReadReceipt](t, bob.next(EventRead)); rc.RoomID != rm.ID || rc.UserID != "bob" || rc.LastReadAt.IsZero() {
		t.Fatalf("unexpected read reply %+v", rc)
	}
	if rc := decode[ReadReceipt](t, alice.next(EventRead)); rc.UserID != "bob" {
		t.Fatalf("alice should see bob's receipt, got %+v", rc)
	}

	bob.send(EventRooms, "r2", RoomsRequest{})
	if rooms := decode[RoomsResponse](t, bob.next(EventRooms)); rooms.Rooms[0].UnreadCount != 0 {
		t.Fatalf("expected 0 unread after read, got %d", rooms.Rooms[0].UnreadCount)
	}

	mallory := s.dial(t, "mallory")
	mallory.send(EventRead, "rd2", ReadRequest{RoomID: rm.ID})
	if e := decode[ErrorPayload](t, mallory.next(EventError)); e.Code != CodeValidation {
		t.Fatalf("outsider read should be rejected, got %+v", e)
	}
}

func TestDisconnectReleasesState(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	first := s.dial(t, "alice")
	second := s.dial(t, "alice")
	first.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "a", Text: "x"})
	first.next(EventAck)
	second.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "b", Text: "x"})
	second.next(EventAck)

	if s.presence.Len() != 2 || s.limiter.Len() != 1 {
		t.Fatalf("unexpected state presence=%d limiter=%d", s.presence.Len(), s.limiter.Len())
	}

	first.conn.Close()
	waitFor(t, func() bool { return s.presence.Len() == 1 })
	if s.limiter.Len() != 1 {
		t.Fatalf("limiter state dropped while alice is still connected")
	}

	second.conn.Close()
	waitFor(t, func() bool { return s.presence.Len() == 0 && s.limiter.Len() == 0 })
}

func TestPostMessageSharesIngestion(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	bob := s.dial(t, "bob")
	bob.join("r1")

	post := func(tok, body string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/messages", bytes.NewBufferString(body))
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	aliceToken := token(t, "alice")
	body := `{"roomId":"r1","clientMessageId":"rest-1","text":"via http"}`

	first := post(aliceToken, body)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}
	var created message.Message
	json.NewDecoder(first.Body).Decode(&created)

	retry := post(aliceToken, body)
	if retry.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for retry, got %d", retry.StatusCode)
	}
	var again message.Message
	json.NewDecoder(retry.Body).Decode(&again)
	if again.ID != created.ID {
		t.Fatalf("retry returned a different record")
	}

	if got := decode[message.Message](t, bob.next(EventMessage)); got.ID != created.ID || got.SenderID != "alice" {
		t.Fatalf("unexpected broadcast %+v", got)
	}
	bob.send(EventHistory, "h", HistoryRequest{RoomID: "r1"})
	if h := decode[HistoryResponse](t, bob.next(EventHistory)); len(h.Messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(h.Messages))
	}

	if resp := post(aliceToken, `{"roomId":"r1","text":"no id"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp := post("", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

type downStore struct{}

func (downStore) Create(context.Context, message.NewMessage) (message.Message, bool, error) {
	return message.Message{}, false, db.Unavailable("insert message", errors.New("connection refused"))
}

func (downStore) ListByRoom(context.Context, string, int, *message.Cursor) ([]message.Message, error) {
	return nil, db.Unavailable("list messages", errors.New("connection refused"))
}

func TestStorageUnavailableKeepsConnection(t *testing.T) {
	s := newTestServer(t, serverOptions{messages: downStore{}})
	alice := s.dial(t, "alice")

	alice.send(EventMessage, "", MessageRequest{RoomID: "r1", ClientMessageID: "c1", Text: "hi"})
	e := decode[ErrorPayload](t, alice.next(EventError))
	if e.Code != CodeStorageUnavailable || e.ClientMessageID != "c1" {
		t.Fatalf("unexpected error %+v", e)
	}

	alice.send(EventHistory, "h1", HistoryRequest{RoomID: "r1"})
	f := alice.next(EventError)
	if e := decode[ErrorPayload](t, f); e.Code != CodeStorageUnavailable || f.RequestID != "h1" {
		t.Fatalf("history failure should answer the request, got %+v (%q)", e, f.RequestID)
	}
}
