// Package notify pushes per-user messages over PubNub.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go"
)

type publishFunc func(channel string, message map[string]any) error

// Publisher sends notifications to the "user-<id>" channel.
type Publisher struct {
	publish publishFunc
}

func NewPubNub(publishKey, subscribeKey, secretKey, uuid string) *pubnub.PubNub {
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = publishKey
	pnConfig.SubscribeKey = subscribeKey
	pnConfig.SecretKey = secretKey
	pnConfig.UUID = uuid
	return pubnub.NewPubNub(pnConfig)
}

func NewPublisher(pn *pubnub.PubNub) *Publisher {
	return &Publisher{publish: func(channel string, message map[string]any) error {
		_, _, err := pn.Publish().Channel(channel).Message(message).Execute()
		return err
	}}
}

func Channel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func (p *Publisher) Notify(ctx context.Context, userID string, message map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.publish(Channel(userID), message); err != nil {
		slog.Error("Failed to publish notification", "user_id", userID, "type", message["type"], "error", err)
		return fmt.Errorf("publish to %s: %w", Channel(userID), err)
	}
	return nil
}

// Discard drops notifications when PubNub is not configured.
type Discard struct{}

func (Discard) Notify(context.Context, string, map[string]any) error { return nil }
