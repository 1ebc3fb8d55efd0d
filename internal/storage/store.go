package storage

import "context"

// Store is the shared fast state that outlives a single connection:
// per-group online presence and web-push subscriptions.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type Store interface {
	// Presence: who currently holds a live chat connection in a group.
	SetOnline(ctx context.Context, groupID int64, userID string) error
	SetOffline(ctx context.Context, groupID int64, userID string) error
	OnlineMembers(ctx context.Context, groupID int64) ([]string, error)

	// Web-push subscriptions, keyed by user then endpoint. sub is the
	// browser subscription JSON, stored verbatim.
	SaveSubscription(ctx context.Context, userID, endpoint, sub string) error
	Subscriptions(ctx context.Context, userID string) ([]string, error)
	RemoveSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}
