package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/auth"
	"roomchat/internal/db"
	"roomchat/internal/message"
	"roomchat/internal/metrics"
	"roomchat/internal/ratelimit"
	"roomchat/internal/receipt"
	"roomchat/internal/room"
	"roomchat/internal/user"
)

type MessageStore interface {
	Create(ctx context.Context, in message.NewMessage) (message.Message, bool, error)
	ListByRoom(ctx context.Context, roomID string, limit int, before *message.Cursor) ([]message.Message, error)
}

type RoomDirectory interface {
	UpdateLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]room.Summary, int, error)
	MarkAsRead(ctx context.Context, roomID, userID, messageID string) (receipt.Receipt, error)
}

// ProfileCache is refreshed from token claims on every connect.
type ProfileCache interface {
	Upsert(ctx context.Context, p user.Profile) error
}

// Gateway turns socket events into store calls and room deliveries.
// Each connection's events are handled in order on its read goroutine;
// different connections run in parallel.
type Gateway struct {
	hub      *Hub
	broker   Broker
	presence *Presence
	limiter  *ratelimit.Limiter
	messages MessageStore
	rooms    RoomDirectory
	profiles ProfileCache
	locks    *roomLocks
	log      zerolog.Logger
}

type Deps struct {
	Hub      *Hub
	Broker   Broker
	Presence *Presence
	Limiter  *ratelimit.Limiter
	Messages MessageStore
	Rooms    RoomDirectory
	Profiles ProfileCache
}

func NewGateway(d Deps, logger zerolog.Logger) *Gateway {
	return &Gateway{
		hub:      d.Hub,
		broker:   d.Broker,
		presence: d.Presence,
		limiter:  d.Limiter,
		messages: d.Messages,
		rooms:    d.Rooms,
		profiles: d.Profiles,
		locks:    newRoomLocks(),
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Serve runs an authenticated connection. It returns once the pumps are started.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn, identity auth.Identity) {
	c := newClient(uuid.NewString(), identity.UserID, identity.Username, conn, g.log)

	if g.profiles != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := g.profiles.Upsert(pctx, user.Profile{ID: identity.UserID, Username: identity.Username, Avatar: identity.Avatar})
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("profile refresh failed")
		}
	}

	g.presence.Add(c.ID, c.UserID)
	g.hub.Register(c)
	metrics.ActiveConnections.Inc()
	c.log.Info().Int("connections", g.presence.Len()).Msg("client connected")

	ctx, cancel := context.WithCancel(ctx)
	go c.writePump()
	go c.readPump(ctx, func(ctx context.Context, data []byte) {
		g.handleFrame(ctx, c, data)
	}, func() {
		cancel()
		g.disconnect(c)
	})
}

func (g *Gateway) disconnect(c *Client) {
	g.hub.Unregister(c)
	c.close()
	if userID, last := g.presence.Remove(c.ID); last {
		g.limiter.Release(userID)
	}
	metrics.ActiveConnections.Dec()
	c.log.Info().
		Int("connections", g.presence.Len()).
		Int("limited_users", g.limiter.Len()).
		Msg("client disconnected")
}

func (g *Gateway) handleFrame(ctx context.Context, c *Client, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		g.replyError(c, "", CodeBadFrame, "frame must be a JSON object with an event", "")
		return
	}
	metrics.SocketEvents.WithLabelValues(eventLabel(f.Event)).Inc()

	switch f.Event {
	case EventJoin:
		g.handleJoin(ctx, c, f)
	case EventLeave:
		g.handleLeave(ctx, c, f)
	case EventTyping:
		g.handleTyping(ctx, c, f)
	case EventMessage:
		g.handleMessage(ctx, c, f)
	case EventRead:
		g.handleRead(ctx, c, f)
	case EventHistory:
		g.handleHistory(ctx, c, f)
	case EventRooms:
		g.handleRooms(ctx, c, f)
	default:
		g.replyError(c, f.RequestID, CodeUnknownEvent, fmt.Sprintf("unknown event %q", f.Event), "")
	}
}

// eventLabel keeps client-chosen event names out of metric labels.
func eventLabel(event string) string {
	switch event {
	case EventJoin, EventLeave, EventTyping, EventMessage, EventRead, EventHistory, EventRooms:
		return event
	}
	return "unknown"
}

func decodeData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return &message.ValidationError{Field: "data", Reason: "is required"}
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return &message.ValidationError{Field: "data", Reason: "is not valid JSON for " + f.Event}
	}
	return nil
}

func requireRoom(roomID string) error {
	if roomID == "" {
		return &message.ValidationError{Field: "roomId", Reason: "is required"}
	}
	return nil
}

func (g *Gateway) admit(c *Client, bucket ratelimit.Bucket, requestID, clientMessageID string) bool {
	if g.limiter.Admit(c.UserID, bucket) {
		return true
	}
	metrics.RateLimited.WithLabelValues(string(bucket)).Inc()
	g.replyError(c, requestID, CodeRateLimited, ratelimit.ErrRateLimited.Error(), clientMessageID)
	return false
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, f Frame) {
	var req RoomRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if err := requireRoom(req.RoomID); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if !g.admit(c, ratelimit.BucketJoin, f.RequestID, "") {
		return
	}

	g.hub.Join(c, req.RoomID)
	g.publish(ctx, req.RoomID, c.ID, EventPresence, PresenceUpdate{UserID: c.UserID, RoomID: req.RoomID, State: "join"})
}

func (g *Gateway) handleLeave(ctx context.Context, c *Client, f Frame) {
	var req RoomRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if err := requireRoom(req.RoomID); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if !g.admit(c, ratelimit.BucketJoin, f.RequestID, "") {
		return
	}

	g.hub.Leave(c, req.RoomID)
	g.publish(ctx, req.RoomID, c.ID, EventPresence, PresenceUpdate{UserID: c.UserID, RoomID: req.RoomID, State: "leave"})
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, f Frame) {
	var req RoomRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if err := requireRoom(req.RoomID); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if !g.admit(c, ratelimit.BucketTyping, f.RequestID, "") {
		return
	}

	g.publish(ctx, req.RoomID, c.ID, EventTyping, Typing{UserID: c.UserID, RoomID: req.RoomID})
}

func (g *Gateway) handleMessage(ctx context.Context, c *Client, f Frame) {
	var req MessageRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}

	in := req.toNew(c.UserID)
	if err := message.Validate(&in); err != nil {
		g.replyErr(c, f.RequestID, err, req.ClientMessageID)
		return
	}
	if !g.admit(c, ratelimit.BucketMessage, f.RequestID, req.ClientMessageID) {
		return
	}

	msg, isNew, err := g.Ingest(ctx, c.ID, in)
	if err != nil {
		g.replyErr(c, f.RequestID, err, req.ClientMessageID)
		return
	}

	g.reply(c, EventAck, f.RequestID, Ack{
		ClientMessageID: msg.ClientMessageID,
		ID:              msg.ID,
		CreatedAt:       msg.CreatedAt,
		Duplicate:       !isNew,
	})
}

// Ingest stores in and, when it is new, moves the room's last-message
// pointer and broadcasts it to the room, skipping the origin connection.
// Duplicates return the stored message with isNew=false and broadcast nothing.
func (g *Gateway) Ingest(ctx context.Context, origin string, in message.NewMessage) (message.Message, bool, error) {
	unlock := g.locks.lock(in.RoomID)
	defer unlock()

	msg, isNew, err := g.messages.Create(ctx, in)
	if err != nil {
		return message.Message{}, false, err
	}
	if !isNew {
		metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
		return msg, false, nil
	}
	metrics.MessagesIngested.WithLabelValues("new").Inc()

	if err := g.rooms.UpdateLastMessage(ctx, msg.RoomID, msg.ID, msg.CreatedAt); err != nil {
		g.log.Error().Err(err).Str("room_id", msg.RoomID).Str("message_id", msg.ID).Msg("update last message failed")
	}
	g.publish(ctx, msg.RoomID, origin, EventMessage, msg)
	return msg, true, nil
}

func (g *Gateway) handleRead(ctx context.Context, c *Client, f Frame) {
	var req ReadRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if err := requireRoom(req.RoomID); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}

	rc, err := g.rooms.MarkAsRead(ctx, req.RoomID, c.UserID, req.MessageID)
	if err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}

	payload := ReadReceipt{RoomID: rc.RoomID, UserID: rc.UserID, LastReadAt: rc.LastReadAt, LastReadMessageID: rc.LastReadMessageID}
	g.reply(c, EventRead, f.RequestID, payload)
	g.publish(ctx, req.RoomID, c.ID, EventRead, payload)
}

func (g *Gateway) handleHistory(ctx context.Context, c *Client, f Frame) {
	var req HistoryRequest
	if err := decodeData(f, &req); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	if err := requireRoom(req.RoomID); err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	before, err := message.ParseCursor(req.Before)
	if err != nil {
		g.replyErr(c, f.RequestID, &message.ValidationError{Field: "before", Reason: "must be a history cursor"}, "")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = message.DefaultPageSize
	}
	limit = min(limit, message.MaxPageSize)

	msgs, err := g.messages.ListByRoom(ctx, req.RoomID, limit, before)
	if err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}

	resp := HistoryResponse{RoomID: req.RoomID, Messages: msgs}
	if len(msgs) == limit {
		resp.NextCursor = message.CursorOf(msgs[len(msgs)-1]).String()
	}
	g.reply(c, EventHistory, f.RequestID, resp)
}

func (g *Gateway) handleRooms(ctx context.Context, c *Client, f Frame) {
	var req RoomsRequest
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &req); err != nil {
			g.replyErr(c, f.RequestID, &message.ValidationError{Field: "data", Reason: "is not valid JSON for rooms"}, "")
			return
		}
	}
	limit, offset := room.ClampPage(strconv.Itoa(req.Limit), strconv.Itoa(req.Offset))

	rooms, total, err := g.rooms.ListForUser(ctx, c.UserID, limit, offset)
	if err != nil {
		g.replyErr(c, f.RequestID, err, "")
		return
	}
	g.reply(c, EventRooms, f.RequestID, RoomsResponse{
		Rooms:      rooms,
		Pagination: room.NewPagination(total, limit, offset, len(rooms)),
	})
}

// publish fans a frame out to the room through the broker. Failures are
// logged: the sender already holds its state and peers recover it from history.
func (g *Gateway) publish(ctx context.Context, roomID, origin, event string, data any) {
	frame, err := encodeFrame(event, "", data)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("encode frame failed")
		return
	}
	if err := g.broker.Publish(ctx, Envelope{RoomID: roomID, Origin: origin, Frame: frame}); err != nil {
		g.log.Warn().Err(err).Str("room_id", roomID).Str("event", event).Msg("publish failed")
	}
}

// reply sends a frame to c alone. A client that cannot keep up is closed.
func (g *Gateway) reply(c *Client, event, requestID string, data any) {
	frame, err := encodeFrame(event, requestID, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode frame failed")
		return
	}
	if !c.trySend(frame) {
		c.log.Warn().Str("event", event).Msg("reply dropped, closing client")
		metrics.DroppedClients.Inc()
		c.close()
	}
}

// replyErr classifies err into an error frame for the sender only.
func (g *Gateway) replyErr(c *Client, requestID string, err error, clientMessageID string) {
	switch {
	case errors.Is(err, message.ErrValidation):
		g.replyError(c, requestID, CodeValidation, err.Error(), clientMessageID)
	case errors.Is(err, db.ErrStorageUnavailable):
		c.log.Error().Err(err).Msg("storage call failed")
		g.replyError(c, requestID, CodeStorageUnavailable, "storage unavailable, try again", clientMessageID)
	default:
		c.log.Error().Err(err).Msg("event failed")
		g.replyError(c, requestID, CodeInternal, "internal error", clientMessageID)
	}
}

func (g *Gateway) replyError(c *Client, requestID, code, msg, clientMessageID string) {
	g.reply(c, EventError, requestID, ErrorPayload{Code: code, Message: msg, ClientMessageID: clientMessageID})
}
