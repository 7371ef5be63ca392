// README: Firebase Cloud Messaging pusher.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"tracker/internal/events"
)

type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

func (p *FCMPusher) Push(ctx context.Context, token string, n events.Notification) error {
	data := map[string]string{"type": string(events.KindNotification)}
	for k, v := range n.Data {
		data[k] = v
	}
	if n.OrderID != nil {
		data["order_id"] = string(*n.OrderID)
	}
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
			return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
		return fmt.Errorf("sending FCM: %w", err)
	}
	return nil
}
