package push

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/storage"
)

// Subscription is the push subscription object the browser hands us.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Valid reports whether all fields Web Push needs are present.
func (s *Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Sender delivers Web Push notifications to every subscription a user has
// registered. A Sender with nil vapid options accepts subscriptions but
// sends nothing.
type Sender struct {
	subs  storage.Store
	vapid *webpush.Options
}

func NewSender(subs storage.Store, keys *VAPIDKeys) *Sender {
	s := &Sender{subs: subs}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      "daiski-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// Enabled reports whether VAPID keys are configured.
func (s *Sender) Enabled() bool { return s.vapid != nil }

// Subscribe stores one browser subscription for the user.
func (s *Sender) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.subs.SaveSubscription(ctx, userID, sub.Endpoint, string(raw))
}

// Unsubscribe removes the subscription with the given endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return s.subs.RemoveSubscription(ctx, userID, endpoint)
}

// Notify pushes to every live subscription of the user. Errors are logged,
// never returned: a failed push must not affect message delivery. Endpoints
// the push service reports gone (404/410) are dropped.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := s.subs.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%s: %v", userID, err)
		return
	}
	if len(list) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || !sub.Valid() {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			if err := s.subs.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove gone subscription user=%s: %v", userID, err)
			}
		}
	}
}

func shortEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return strings.TrimSpace(endpoint)
}
