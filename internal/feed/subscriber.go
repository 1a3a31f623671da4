package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatsync/internal/chat"
	"chatsync/internal/metrics"
)

type Subscriber struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewSubscriber(rdb *redis.Client, log *zap.SugaredLogger) *Subscriber {
	return &Subscriber{rdb: rdb, log: log}
}

// Subscribe opens one channel scoped to chatID and pumps its envelopes into
// the handler until the returned subscription is released. The initial
// Receive waits for redis to acknowledge the subscription, so no event
// published after Subscribe returns can be missed.
func (s *Subscriber) Subscribe(ctx context.Context, chatID string, h chat.FeedHandler) (chat.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channelFor(chatID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			dispatch([]byte(msg.Payload), h, s.log)
		}
		// Channel closes on unsubscribe, but also under a hard broker
		// disconnect; log so a silently-dead feed at least leaves a trace.
		s.log.Infow("change feed closed", "chat_id", chatID)
	}()

	return &subscription{pubsub: pubsub}, nil
}

// dispatch decodes one envelope and routes it. Undecodable payloads are
// dropped; the feed is best effort and a bad frame must not kill the pump.
func dispatch(payload []byte, h chat.FeedHandler, log *zap.SugaredLogger) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		metrics.FeedEventsDropped.Inc()
		log.Warnw("undecodable feed payload", "error", err)
		return
	}

	switch {
	case env.Event == EventInsert && env.Message != nil:
		h.OnInsert(*env.Message)
	case env.Event == EventUpdate && env.Update != nil:
		h.OnUpdate(*env.Update)
	default:
		metrics.FeedEventsDropped.Inc()
		log.Warnw("unrecognized feed envelope", "event", env.Event)
	}
}

type subscription struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}
