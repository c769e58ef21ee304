package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Key layout
const (
	keyShares    = "cnpool:shares"
	keyBlocks    = "cnpool:blocks:candidates"
	keyBlacklist = "cnpool:blacklist"
	keyWhitelist = "cnpool:whitelist"
)

// sharesRetained bounds the recent-share list
const sharesRetained = 100000

// RedisClient wraps the pool's redis usage
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to redis and verifies the connection
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// WriteShare appends a share record
func (r *RedisClient) WriteShare(ctx context.Context, share *Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, keyShares, data)
	pipe.LTrim(ctx, keyShares, 0, sharesRetained-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentShares returns up to limit most recent share records
func (r *RedisClient) RecentShares(ctx context.Context, limit int64) ([]*Share, error) {
	rows, err := r.client.LRange(ctx, keyShares, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	shares := make([]*Share, 0, len(rows))
	for _, row := range rows {
		var s Share
		if err := json.Unmarshal([]byte(row), &s); err != nil {
			continue
		}
		shares = append(shares, &s)
	}
	return shares, nil
}

// WriteBlock records a block candidate keyed by "<height>:<hash>"
func (r *RedisClient) WriteBlock(ctx context.Context, block *Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, keyBlocks, fmt.Sprintf("%d:%s", block.Height, block.Hash), data).Err()
}

// GetCandidateBlocks returns all recorded block candidates
func (r *RedisClient) GetCandidateBlocks(ctx context.Context) ([]*Block, error) {
	rows, err := r.client.HGetAll(ctx, keyBlocks).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*Block, 0, len(rows))
	for _, row := range rows {
		var b Block
		if err := json.Unmarshal([]byte(row), &b); err != nil {
			continue
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// AppendEvent mirrors a bus event onto a redis stream for external
// consumers
func (r *RedisClient) AppendEvent(ctx context.Context, stream, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: sharesRetained,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    kind,
			"payload": data,
		},
	}).Err()
}

// GetBlacklist returns the banned wallet addresses
func (r *RedisClient) GetBlacklist(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keyBlacklist).Result()
}

// GetWhitelist returns the never-ban IPs
func (r *RedisClient) GetWhitelist(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keyWhitelist).Result()
}

// AddToBlacklist bans a wallet address
func (r *RedisClient) AddToBlacklist(ctx context.Context, address string) error {
	return r.client.SAdd(ctx, keyBlacklist, address).Err()
}

// AddToWhitelist marks an IP as never-ban
func (r *RedisClient) AddToWhitelist(ctx context.Context, ip string) error {
	return r.client.SAdd(ctx, keyWhitelist, ip).Err()
}

// RemoveFromBlacklist lifts an address ban
func (r *RedisClient) RemoveFromBlacklist(ctx context.Context, address string) error {
	return r.client.SRem(ctx, keyBlacklist, address).Err()
}
