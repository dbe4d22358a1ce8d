package room

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"roomchat/internal/message"
	"roomchat/internal/receipt"
	"roomchat/internal/user"
)

// MessageStore is the part of the message store the directory aggregates over.
type MessageStore interface {
	LastMessagesBatch(ctx context.Context, roomIDs []string) (map[string]message.Message, error)
	UnreadCountsBatch(ctx context.Context, roomIDs []string, userID string, lastRead map[string]time.Time) (map[string]int, error)
	MarkDelivered(ctx context.Context, roomID, readerID string, upTo time.Time) (int64, error)
}

type ReceiptStore interface {
	MarkAsRead(ctx context.Context, roomID, userID, messageID string) (receipt.Receipt, error)
	LastReadBatch(ctx context.Context, userID string, roomIDs []string) (map[string]receipt.Receipt, error)
}

type UserDirectory interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]user.Profile, error)
}

// Directory owns room identity and builds room lists out of the message,
// receipt and user stores without per-room round trips.
type Directory struct {
	rooms    *Repository
	messages MessageStore
	receipts ReceiptStore
	users    UserDirectory
	log      zerolog.Logger
}

func NewDirectory(rooms *Repository, messages MessageStore, receipts ReceiptStore, users UserDirectory, logger zerolog.Logger) *Directory {
	return &Directory{
		rooms:    rooms,
		messages: messages,
		receipts: receipts,
		users:    users,
		log:      logger.With().Str("component", "rooms").Logger(),
	}
}

// EnsureOneToOne returns the room shared by a and b, creating it on first use.
// Argument order does not matter.
func (d *Directory) EnsureOneToOne(ctx context.Context, a, b string) (Room, error) {
	if a == "" || b == "" || a == b {
		return Room{}, ErrInvalidPair
	}
	pair := []string{a, b}
	sort.Strings(pair)

	if err := d.rooms.InsertIfAbsent(ctx, pair[0], pair[1]); err != nil {
		return Room{}, err
	}
	rm, err := d.rooms.GetByPair(ctx, pair[0], pair[1])
	if err != nil {
		return Room{}, err
	}
	if rm == nil {
		return Room{}, fmt.Errorf("room for %s/%s missing after insert", pair[0], pair[1])
	}
	return *rm, nil
}

func (d *Directory) Get(ctx context.Context, roomID string) (*Room, error) {
	return d.rooms.Get(ctx, roomID)
}

// UpdateLastMessage moves the room's last-message pointer. Ids that name no
// room are ignored.
func (d *Directory) UpdateLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	touched, err := d.rooms.UpdateLastMessage(ctx, roomID, messageID, at)
	if err != nil {
		return err
	}
	if !touched {
		d.log.Debug().Str("room_id", roomID).Msg("last message for unknown room")
	}
	return nil
}

// ListForUser returns a page of the user's rooms with partner, last message,
// read state and unread count filled in.
func (d *Directory) ListForUser(ctx context.Context, userID string, limit, offset int) ([]Summary, int, error) {
	rooms, total, err := d.rooms.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if len(rooms) == 0 {
		return []Summary{}, total, nil
	}

	roomIDs := make([]string, len(rooms))
	partnerIDs := make([]string, len(rooms))
	for i, rm := range rooms {
		roomIDs[i] = rm.ID
		partnerIDs[i] = rm.Partner(userID)
	}

	var (
		partners map[string]user.Profile
		last     map[string]message.Message
		receipts map[string]receipt.Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := d.users.FindByIDs(gctx, partnerIDs)
		if err != nil {
			// names are cosmetic; the list is still usable without them
			d.log.Warn().Err(err).Str("user_id", userID).Msg("partner lookup failed")
			return nil
		}
		partners = found
		return nil
	})
	g.Go(func() error {
		var err error
		last, err = d.messages.LastMessagesBatch(gctx, roomIDs)
		return err
	})
	g.Go(func() error {
		var err error
		receipts, err = d.receipts.LastReadBatch(gctx, userID, roomIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	lastRead := make(map[string]time.Time, len(receipts))
	for id, rc := range receipts {
		lastRead[id] = rc.LastReadAt
	}
	unread, err := d.messages.UnreadCountsBatch(ctx, roomIDs, userID, lastRead)
	if err != nil {
		return nil, 0, err
	}

	out := make([]Summary, len(rooms))
	for i, rm := range rooms {
		s := Summary{Room: rm, UnreadCount: unread[rm.ID]}
		if p, ok := partners[partnerIDs[i]]; ok {
			s.Partner = &p
		} else if partnerIDs[i] != "" {
			s.Partner = &user.Profile{ID: partnerIDs[i]}
		}
		if m, ok := last[rm.ID]; ok {
			s.LastMessage = &m
		}
		if rc, ok := receipts[rm.ID]; ok {
			at := rc.LastReadAt
			s.LastReadAt = &at
			s.LastReadMessageID = rc.LastReadMessageID
		}
		out[i] = s
	}
	return out, total, nil
}

// MarkAsRead advances the user's read watermark and marks the partner's
// messages up to it as delivered. Known rooms only accept their participants;
// ids naming no room keep a receipt but deliver nothing.
func (d *Directory) MarkAsRead(ctx context.Context, roomID, userID, messageID string) (receipt.Receipt, error) {
	if roomID == "" {
		return receipt.Receipt{}, &message.ValidationError{Field: "roomId", Reason: "is required"}
	}
	rm, err := d.Get(ctx, roomID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if rm != nil && !rm.Has(userID) {
		d.log.Warn().Str("room_id", roomID).Str("user_id", userID).Msg("read by non-participant rejected")
		return receipt.Receipt{}, ErrNotParticipant
	}

	rc, err := d.receipts.MarkAsRead(ctx, roomID, userID, messageID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if rm == nil {
		return rc, nil
	}

	n, err := d.messages.MarkDelivered(ctx, roomID, userID, rc.LastReadAt)
	if err != nil {
		d.log.Warn().Err(err).Str("room_id", roomID).Msg("mark delivered failed")
	} else if n > 0 {
		d.log.Debug().Str("room_id", roomID).Int64("messages", n).Msg("messages delivered")
	}
	return rc, nil
}
