// Package broadcast implements C11: fire-and-forget notification of
// workspace-scoped events to any interested listener (UI toast, ops
// tooling). Delivery is best-effort — a Broadcaster must never block or
// fail the request that triggered the event.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Event struct {
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

type Broadcaster interface {
	Send(ctx context.Context, workspaceKey string, eventType string, payload interface{})
}

// NoopBroadcaster logs and drops. cmd/server runs self-hosted installs with
// this backend; SaaS installs use RedisBroadcaster.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Send(_ context.Context, workspaceKey, eventType string, payload interface{}) {
	slog.Debug("broadcast (noop)", "workspace_key", workspaceKey, "event", eventType)
}

// RedisBroadcaster publishes to a per-workspace Redis Pub/Sub channel. It
// swallows publish errors — a broadcast is never allowed to fail the
// triggering request.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Send(ctx context.Context, workspaceKey, eventType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("broadcast: marshal payload failed", "event", eventType, "error", err)
		return
	}
	channel := "broadcast:" + workspaceKey
	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		slog.Warn("broadcast: publish failed", "channel", channel, "event", eventType, "error", err)
	}
}
