package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/tollgate-video/tollgate/pkg/billing"
)

// Notifier publishes billing events on the user's channel. Gateways subscribed with EventPattern deliver
// them to the user's open connections, wherever they are connected.
type Notifier struct {
	c *Client
}

var _ billing.Notifier = (*Notifier)(nil)

func NewNotifier(c *Client) *Notifier {
	return &Notifier{c: c}
}

func (n *Notifier) Notify(ctx context.Context, userID string, ev billing.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = n.c.Publish(ctx, n.c.EventChannel(userID), data)
	return err
}

// EventChannel is the pub/sub channel of one user's events.
func (c *Client) EventChannel(userID string) string {
	return c.Key("user", userID, "events")
}

// EventPattern matches every user's event channel.
func (c *Client) EventPattern() string {
	return c.Key("user", "*", "events")
}

// UserFromChannel extracts the user id from an event channel name.
func (c *Client) UserFromChannel(channel string) (string, bool) {
	head, tail := c.Key("user")+":", ":events"
	if !strings.HasPrefix(channel, head) || !strings.HasSuffix(channel, tail) || len(channel) <= len(head)+len(tail) {
		return "", false
	}
	return channel[len(head) : len(channel)-len(tail)], true
}

// Invalidator deletes read-through cache entries of user and creator records.
type Invalidator struct {
	c *Client
}

var _ billing.CacheInvalidator = (*Invalidator)(nil)

func NewInvalidator(c *Client) *Invalidator {
	return &Invalidator{c: c}
}

func (i *Invalidator) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for idx, k := range keys {
		full[idx] = i.c.Key("cache", k)
	}
	return i.c.client.Del(ctx, full...).Err()
}
