package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboxEntry is one in-app message as stored in the user's list.
type InboxEntry struct {
	Subject    string    `json:"subject,omitempty"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// InboxProvider keeps the newest in-app messages per user in a capped
// Redis list at <prefix>:<userId>.
type InboxProvider struct {
	client   redis.Cmdable
	prefix   string
	maxItems int64
	now      func() time.Time
}

func NewInboxProvider(client redis.Cmdable, prefix string, maxItems int) *InboxProvider {
	if maxItems <= 0 {
		maxItems = 100
	}
	return &InboxProvider{
		client:   client,
		prefix:   prefix,
		maxItems: int64(maxItems),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *InboxProvider) key(userID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, userID)
}

func (p *InboxProvider) Send(ctx context.Context, userID, content, subject string) error {
	payload, err := json.Marshal(InboxEntry{Subject: subject, Content: content, ReceivedAt: p.now()})
	if err != nil {
		return fmt.Errorf("encode inbox entry: %w", err)
	}

	key := p.key(userID)
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.maxItems-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push to inbox %s: %w", key, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (p *InboxProvider) Recent(ctx context.Context, userID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 || int64(limit) > p.maxItems {
		limit = int(p.maxItems)
	}
	raw, err := p.client.LRange(ctx, p.key(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	entries := make([]InboxEntry, 0, len(raw))
	for _, item := range raw {
		var e InboxEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
