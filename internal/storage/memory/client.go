package memory

import (
	"context"
	"fmt"
	"sync"
)

const maxSubsPerUser = 10

// Client is the in-process storage.Store used by -dev runs without Redis.
type Client struct {
	mu       sync.RWMutex
	presence map[int64]map[string]struct{}
	subs     map[string]map[string]string
}

func New() *Client {
	return &Client{
		presence: make(map[int64]map[string]struct{}),
		subs:     make(map[string]map[string]string),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, groupID int64, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.presence[groupID]
	if !ok {
		set = make(map[string]struct{})
		c.presence[groupID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (c *Client) SetOffline(ctx context.Context, groupID int64, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.presence[groupID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(c.presence, groupID)
		}
	}
	return nil
}

func (c *Client) OnlineMembers(ctx context.Context, groupID int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.presence[groupID]
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	return members, nil
}

func (c *Client) SaveSubscription(ctx context.Context, userID, endpoint, sub string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.subs[userID]
	if !ok {
		m = make(map[string]string)
		c.subs[userID] = m
	}
	if _, exists := m[endpoint]; !exists && len(m) >= maxSubsPerUser {
		return fmt.Errorf("subscription limit reached (%d)", maxSubsPerUser)
	}
	m[endpoint] = sub
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.subs[userID]
	subs := make([]string, 0, len(m))
	for _, v := range m {
		subs = append(subs, v)
	}
	return subs, nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.subs[userID]; ok {
		delete(m, endpoint)
		if len(m) == 0 {
			delete(c.subs, userID)
		}
	}
	return nil
}
