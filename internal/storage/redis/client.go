package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Presence sets are refreshed on every join; the TTL only reaps sets
	// orphaned by a crashed process.
	presenceTTL     = 24 * time.Hour
	subscriptionTTL = 30 * 24 * time.Hour
	maxSubsPerUser  = 10
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func presenceKey(groupID int64) string {
	return "presence:group:" + strconv.FormatInt(groupID, 10)
}

func (c *Client) SetOnline(ctx context.Context, groupID int64, userID string) error {
	key := presenceKey(groupID)
	if err := c.cli.SAdd(ctx, key, userID).Err(); err != nil {
		return err
	}
	return c.cli.Expire(ctx, key, presenceTTL).Err()
}

func (c *Client) SetOffline(ctx context.Context, groupID int64, userID string) error {
	return c.cli.SRem(ctx, presenceKey(groupID), userID).Err()
}

func (c *Client) OnlineMembers(ctx context.Context, groupID int64) ([]string, error) {
	return c.cli.SMembers(ctx, presenceKey(groupID)).Result()
}

func subsKey(userID string) string {
	return "push:subs:" + userID
}

// SaveSubscription stores the browser subscription JSON keyed by endpoint.
// Oldest entries beyond maxSubsPerUser are not evicted individually; the
// whole hash expires after subscriptionTTL without re-subscribe.
func (c *Client) SaveSubscription(ctx context.Context, userID, endpoint, sub string) error {
	key := subsKey(userID)
	n, err := c.cli.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if n >= maxSubsPerUser {
		exists, err := c.cli.HExists(ctx, key, endpoint).Result()
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("subscription limit reached (%d)", maxSubsPerUser)
		}
	}
	if err := c.cli.HSet(ctx, key, endpoint, sub).Err(); err != nil {
		return err
	}
	return c.cli.Expire(ctx, key, subscriptionTTL).Err()
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]string, error) {
	m, err := c.cli.HGetAll(ctx, subsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]string, 0, len(m))
	for _, v := range m {
		subs = append(subs, v)
	}
	return subs, nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	return c.cli.HDel(ctx, subsKey(userID), endpoint).Err()
}
