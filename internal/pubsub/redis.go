// Package pubsub tracks which relay instance holds a user's connections and
// routes frames between instances over Redis, so clients of one relay reach
// clients of another. All routed payloads are encoded wire frames; Redis
// never sees plaintext.
package pubsub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	connectionTTL   = 2 * time.Minute
	frameChannel    = "chai:relay:" // + server id
	presenceChannel = "chai:presence"
)

// RedisClient wraps the connection for presence and cross-relay routing.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects and pings.
func NewRedisClient(addr string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisClient{client: client}, nil
}

// Close closes the underlying connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func connKey(userID uuid.UUID) string {
	return "chai:conn:" + userID.String()
}

// RegisterConnection records that serverID holds a connection for the user.
func (r *RedisClient) RegisterConnection(ctx context.Context, userID uuid.UUID, serverID string) error {
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, connKey(userID), serverID)
	pipe.Expire(ctx, connKey(userID), connectionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// UnregisterConnection removes a server from the user's connection set.
func (r *RedisClient) UnregisterConnection(ctx context.Context, userID uuid.UUID, serverID string) error {
	return r.client.SRem(ctx, connKey(userID), serverID).Err()
}

// RefreshConnection extends the TTL; called on ping.
func (r *RedisClient) RefreshConnection(ctx context.Context, userID uuid.UUID) error {
	return r.client.Expire(ctx, connKey(userID), connectionTTL).Err()
}

// UserServers returns the relay instances currently holding connections for
// a user.
func (r *RedisClient) UserServers(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return r.client.SMembers(ctx, connKey(userID)).Result()
}

// routedFrame is the cross-relay payload: an encoded server frame addressed
// to one user.
type routedFrame struct {
	UserID uuid.UUID `json:"user_id"`
	Frame  []byte    `json:"frame"`
}

// presenceEvent fans a presence transition out to the other instances.
type presenceEvent struct {
	UserID   uuid.UUID `json:"user_id"`
	Online   bool      `json:"online"`
	ServerID string    `json:"server_id"`
}

// PublishToServer routes an encoded frame to another relay instance.
func (r *RedisClient) PublishToServer(ctx context.Context, serverID string, userID uuid.UUID, frame []byte) error {
	payload, err := json.Marshal(routedFrame{UserID: userID, Frame: frame})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, frameChannel+serverID, payload).Err()
}

// PublishPresence announces a presence transition to all instances.
func (r *RedisClient) PublishPresence(ctx context.Context, userID uuid.UUID, online bool, originServerID string) error {
	payload, err := json.Marshal(presenceEvent{UserID: userID, Online: online, ServerID: originServerID})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, presenceChannel, payload).Err()
}

// PeerHandler is what the hub exposes to the subscription loops.
type PeerHandler interface {
	DeliverRouted(userID uuid.UUID, frame []byte)
	PresenceFromPeer(userID uuid.UUID, online bool, originServerID string)
}

// SubscribeFrames consumes this instance's routing channel until ctx ends.
func (r *RedisClient) SubscribeFrames(ctx context.Context, serverID string, handler PeerHandler) {
	sub := r.client.Subscribe(ctx, frameChannel+serverID)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[pubsub] frame subscription error: %v", err)
			continue
		}
		var routed routedFrame
		if err := json.Unmarshal([]byte(msg.Payload), &routed); err != nil {
			log.Printf("[pubsub] bad routed frame: %v", err)
			continue
		}
		handler.DeliverRouted(routed.UserID, routed.Frame)
	}
}

// SubscribePresence consumes presence transitions until ctx ends.
func (r *RedisClient) SubscribePresence(ctx context.Context, handler PeerHandler) {
	sub := r.client.Subscribe(ctx, presenceChannel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[pubsub] presence subscription error: %v", err)
			continue
		}
		var event presenceEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("[pubsub] bad presence event: %v", err)
			continue
		}
		handler.PresenceFromPeer(event.UserID, event.Online, event.ServerID)
	}
}
