package user

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const profileTTL = 5 * time.Minute

// ProfileCache is a read-through redis cache in front of Repository.GetProfile.
// Every live insert event costs one profile lookup, so hot senders would
// otherwise hit postgres once per message.
type ProfileCache struct {
	repo *Repository
	rdb  *redis.Client
	log  *zap.SugaredLogger
}

type cachedProfile struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"avatar_url"`
}

func NewProfileCache(repo *Repository, rdb *redis.Client, log *zap.SugaredLogger) *ProfileCache {
	return &ProfileCache{repo: repo, rdb: rdb, log: log}
}

func (c *ProfileCache) GetProfile(ctx context.Context, userID string) (string, string, string, error) {
	key := "user:profile:" + userID

	if payload, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var p cachedProfile
		if err := json.Unmarshal(payload, &p); err == nil {
			return p.Name, p.Phone, p.AvatarURL, nil
		}
	}

	name, phone, avatarURL, err := c.repo.GetProfile(ctx, userID)
	if err != nil {
		return "", "", "", err
	}

	payload, err := json.Marshal(cachedProfile{Name: name, Phone: phone, AvatarURL: avatarURL})
	if err == nil {
		if err := c.rdb.Set(ctx, key, payload, profileTTL).Err(); err != nil {
			c.log.Debugw("profile cache write failed", "user_id", userID, "error", err)
		}
	}
	return name, phone, avatarURL, nil
}
