package feed

import (
	"context"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/chat"
)

type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) PublishInsert(ctx context.Context, msg chat.Message) error {
	payload, err := encodeInsert(msg)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelFor(msg.ChatID), payload).Err()
}

// PublishRead emits one update envelope per id, mirroring row-level
// notification granularity even when the store write was batched.
func (p *Publisher) PublishRead(ctx context.Context, chatID string, ids []string) error {
	for _, id := range ids {
		payload, err := encodeRead(id)
		if err != nil {
			return err
		}
		if err := p.rdb.Publish(ctx, channelFor(chatID), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}
