// README: User notifications: live via the user room, push via FCM when nobody is connected.
package notify

import (
	"context"
	"errors"

	"tracker/internal/events"
	"tracker/internal/logging"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

// ErrTokenInvalid is returned by a Pusher when the device token is dead.
var ErrTokenInvalid = errors.New("device token no longer valid")

type Presence interface {
	HasMembers(id room.ID) bool
}

type TokenStore interface {
	Tokens(ctx context.Context, userID types.ID) ([]string, error)
	Remove(ctx context.Context, userID types.ID, token string) error
}

type Pusher interface {
	Push(ctx context.Context, token string, n events.Notification) error
}

type Service struct {
	publisher dispatch.Publisher
	presence  Presence
	tokens    TokenStore
	pusher    Pusher
}

// NewService builds a notifier; tokens and pusher may be nil to disable push.
func NewService(publisher dispatch.Publisher, presence Presence, tokens TokenStore, pusher Pusher) *Service {
	return &Service{publisher: publisher, presence: presence, tokens: tokens, pusher: pusher}
}

func (s *Service) Notify(ctx context.Context, userID types.ID, n events.Notification) error {
	target := room.User(userID)
	if s.presence == nil || s.presence.HasMembers(target) || s.pusher == nil || s.tokens == nil {
		_, err := s.publisher.Publish(ctx, events.New(events.KindNotification, n), target)
		return err
	}
	return s.push(ctx, userID, n)
}

func (s *Service) push(ctx context.Context, userID types.ID, n events.Notification) error {
	tokens, err := s.tokens.Tokens(ctx, userID)
	if err != nil {
		return err
	}
	var errs []error
	for _, tok := range tokens {
		err := s.pusher.Push(ctx, tok, n)
		switch {
		case err == nil:
		case errors.Is(err, ErrTokenInvalid):
			if rmErr := s.tokens.Remove(ctx, userID, tok); rmErr != nil {
				logging.Warn().Err(rmErr).Str("user", string(userID)).Msg("remove dead device token")
			}
		default:
			errs = append(errs, err)
		}
	}
	logging.Debug().Str("user", string(userID)).Int("tokens", len(tokens)).Msg("pushed notification")
	return errors.Join(errs...)
}
