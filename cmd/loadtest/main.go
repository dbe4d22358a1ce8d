// Command loadtest drives a running server with pairs of websocket clients.
// Every message is sent twice with the same clientMessageId, so a healthy
// server acks each send and flags the second one as a duplicate.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/auth"
	"roomchat/internal/chat"
	"roomchat/internal/room"
)

type counters struct {
	sent       atomic.Int64
	acked      atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
	delivered  atomic.Int64
}

var (
	baseURL = flag.String("url", "http://localhost:8080", "server base URL")
	secret  = flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint tokens")
	pairs   = flag.Int("pairs", 50, "number of user pairs")
	msgs    = flag.Int("messages", 20, "messages per user")
	delay   = flag.Duration("delay", 10*time.Millisecond, "pause between sends")

	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
)

func main() {
	flag.Parse()
	if *secret == "" {
		log.Fatal().Msg("a signing secret is required (-secret or JWT_SECRET)")
	}

	log.Info().Int("users", *pairs*2).Int("messages", *msgs).Msg("starting load test")
	start := time.Now()

	var (
		c  counters
		wg sync.WaitGroup
	)
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &c)
		}(i)
	}
	wg.Wait()

	expected := c.sent.Load() / 2
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int64("sent", c.sent.Load()).
		Int64("acked", c.acked.Load()).
		Int64("duplicates", c.duplicates.Load()).
		Int64("delivered", c.delivered.Load()).
		Int64("errors", c.errors.Load()).
		Msg("load test complete")
	if c.duplicates.Load() != expected {
		log.Warn().Int64("expected", expected).Msg("duplicate acks do not match resends")
	}
}

func runPair(pairID int, c *counters) {
	a := auth.Identity{UserID: fmt.Sprintf("load-%d-a", pairID), Username: fmt.Sprintf("load_%d_a", pairID)}
	b := auth.Identity{UserID: fmt.Sprintf("load-%d-b", pairID), Username: fmt.Sprintf("load_%d_b", pairID)}

	tokenA, err := auth.Sign(*secret, a, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("sign token")
		return
	}
	tokenB, err := auth.Sign(*secret, b, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("sign token")
		return
	}

	roomID, err := ensureRoom(tokenA, b.UserID)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("ensure room failed")
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, tokenA, roomID, a.UserID, c)
	go spamChat(&wsWg, tokenB, roomID, b.UserID, c)
	wsWg.Wait()
}

func ensureRoom(token, partnerID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"partnerId": partnerID})
	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/rooms/ensure", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rm room.Room
	if err := json.NewDecoder(resp.Body).Decode(&rm); err != nil {
		return "", err
	}
	return rm.ID, nil
}

func wsURL(token string) string {
	u := strings.Replace(*baseURL, "http", "ws", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

func spamChat(wg *sync.WaitGroup, token, roomID, user string, c *counters) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("websocket connect failed")
		c.errors.Add(1)
		return
	}
	defer conn.Close()

	if err := writeFrame(conn, chat.EventJoin, chat.RoomRequest{RoomID: roomID}); err != nil {
		c.errors.Add(1)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		readFrames(conn, user, c)
	}()

	for i := 0; i < *msgs; i++ {
		req := chat.MessageRequest{
			RoomID:          roomID,
			ClientMessageID: uuid.NewString(),
			Text:            fmt.Sprintf("load test message %d from %s", i, user),
		}
		// simulated client retry
		for attempt := 0; attempt < 2; attempt++ {
			if err := writeFrame(conn, chat.EventMessage, req); err != nil {
				log.Error().Err(err).Str("user", user).Msg("send failed")
				c.errors.Add(1)
				return
			}
			c.sent.Add(1)
		}
		time.Sleep(*delay)
	}

	// give outstanding acks a moment before hanging up
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
	log.Debug().Str("user", user).Int("messages", *msgs).Msg("finished")
}

func writeFrame(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(chat.Frame{Event: event, Data: raw})
}

func readFrames(conn *websocket.Conn, user string, c *counters) {
	conn.SetReadDeadline(time.Now().Add(time.Minute))
	for {
		var f chat.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case chat.EventAck:
			var ack chat.Ack
			if json.Unmarshal(f.Data, &ack) == nil {
				c.acked.Add(1)
				if ack.Duplicate {
					c.duplicates.Add(1)
				}
			}
		case chat.EventMessage:
			c.delivered.Add(1)
		case chat.EventError:
			var e chat.ErrorPayload
			_ = json.Unmarshal(f.Data, &e)
			log.Warn().Str("user", user).Str("code", e.Code).Msg(e.Message)
			c.errors.Add(1)
		}
	}
}
