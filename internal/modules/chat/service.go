// README: Conversation rooms: join, send (persisted) and typing indicators (ephemeral).
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tracker/internal/events"
	"tracker/internal/logging"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

const maxBodyLen = 4000

var (
	ErrNotParticipant = errors.New("not a conversation participant")
	ErrInvalidMessage = errors.New("invalid message")
)

type Message struct {
	ID             types.ID
	ConversationID types.ID
	SenderID       types.ID
	Body           string
	SentAt         time.Time
}

type Repository interface {
	IsParticipant(ctx context.Context, conversationID, userID types.ID) (bool, error)
	SaveMessage(ctx context.Context, m Message) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, connID connection.ID, id room.ID) error
}

type Service struct {
	store     Repository
	rooms     Subscriber
	publisher dispatch.Publisher
	now       func() time.Time
}

func NewService(store Repository, rooms Subscriber, publisher dispatch.Publisher) *Service {
	return &Service{store: store, rooms: rooms, publisher: publisher, now: time.Now}
}

// Join subscribes the connection to the conversation room; the room policy
// checks participation.
func (s *Service) Join(ctx context.Context, connID connection.ID, conversationID types.ID) error {
	if conversationID == "" {
		return ErrInvalidMessage
	}
	return s.rooms.Subscribe(ctx, connID, room.Conversation(conversationID))
}

func (s *Service) Send(ctx context.Context, sender types.Identity, conversationID types.ID, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if conversationID == "" || body == "" || len(body) > maxBodyLen {
		return nil, ErrInvalidMessage
	}
	if err := s.checkParticipant(ctx, sender, conversationID); err != nil {
		return nil, err
	}

	m := Message{
		ID:             types.ID(uuid.NewString()),
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		Body:           body,
		SentAt:         s.now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return nil, err
	}

	ev := events.New(events.KindNewMessage, events.NewMessage{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         m.SentAt,
	})
	if _, err := s.publisher.Publish(ctx, ev, room.Conversation(conversationID)); err != nil {
		logging.Error().Err(err).Str("conversation", string(conversationID)).Msg("publish message")
	}
	return &m, nil
}

func (s *Service) Typing(ctx context.Context, sender types.Identity, conversationID types.ID, active bool) error {
	if conversationID == "" {
		return ErrInvalidMessage
	}
	if err := s.checkParticipant(ctx, sender, conversationID); err != nil {
		return err
	}
	ev := events.New(events.KindTypingIndicator, events.TypingIndicator{
		ConversationID: conversationID,
		UserID:         sender.UserID,
		Active:         active,
	})
	_, err := s.publisher.Publish(ctx, ev, room.Conversation(conversationID))
	return err
}

func (s *Service) checkParticipant(ctx context.Context, who types.Identity, conversationID types.ID) error {
	if who.IsAdmin() {
		return nil
	}
	ok, err := s.store.IsParticipant(ctx, conversationID, who.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}
