package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"terapia/internal/config"
	"terapia/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisDraftRepository keeps in-progress registration drafts in Redis so
// they survive restarts and are visible to every API replica. Drafts expire
// after the configured TTL when abandoned.
type RedisDraftRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisDraftRepository(client *redis.Client, ttl time.Duration) *RedisDraftRepository {
	return &RedisDraftRepository{
		client: client,
		ttl:    ttl,
	}
}

func draftKey(id string) string {
	return fmt.Sprintf("draft:%s", id)
}

func (r *RedisDraftRepository) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, draftKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft from redis: %w", err)
	}

	var draft models.Draft
	if err := json.Unmarshal([]byte(val), &draft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}

	return &draft, nil
}

func (r *RedisDraftRepository) SaveDraft(ctx context.Context, draft *models.Draft) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	if err := r.client.Set(ctx, draftKey(draft.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set draft in redis: %w", err)
	}

	return nil
}

func (r *RedisDraftRepository) DeleteDraft(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, draftKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete draft from redis: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
